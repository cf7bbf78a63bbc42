package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/cuongbtq/jobworker/internal/worker/storage"
)

type EnqueueJobRequest struct {
	Func   string         `json:"func" binding:"required"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

type ListFailedRequest struct {
	Limit int `form:"limit"`
}

type ListJobsResponse struct {
	Queue string   `json:"queue"`
	Jobs  []JobDTO `json:"jobs"`
}

type QueueDTO struct {
	Name   string `json:"name"`
	Length int64  `json:"length"`
}

type JobDTO struct {
	JobID      string          `json:"job_id"`
	Func       string          `json:"func"`
	Queue      string          `json:"queue"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Worker     string          `json:"worker,omitempty"`
	EnqueuedAt string          `json:"enqueued_at,omitempty"`
	StartedAt  string          `json:"started_at,omitempty"`
	EndedAt    string          `json:"ended_at,omitempty"`
	Source     string          `json:"source"`
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// FromJob renders a job read from the broker
func FromJob(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:      job.ID,
		Func:       job.Func,
		Queue:      job.Origin,
		Status:     string(job.Status),
		Payload:    validJSON(job.Payload),
		Result:     validJSON(job.Result),
		Error:      job.Error,
		Worker:     job.Worker,
		EnqueuedAt: formatTime(&job.EnqueuedAt),
		StartedAt:  formatTime(job.StartedAt),
		EndedAt:    formatTime(job.EndedAt),
		Source:     "broker",
	}
}

// FromRun renders a job read from the run ledger
func FromRun(run *storage.Run) JobDTO {
	dto := JobDTO{
		JobID:      run.JobID,
		Func:       run.Func,
		Queue:      run.Queue,
		Status:     run.Status,
		Result:     validJSON(run.Result),
		Error:      run.ErrorMessage,
		Worker:     run.Worker,
		EnqueuedAt: formatTime(&run.EnqueuedAt),
		Source:     "ledger",
	}
	if run.StartedAt.Valid {
		dto.StartedAt = formatTime(&run.StartedAt.Time)
	}
	if run.EndedAt.Valid {
		dto.EndedAt = formatTime(&run.EndedAt.Time)
	}
	return dto
}

// validJSON drops bytes that would break the response encoding
func validJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
