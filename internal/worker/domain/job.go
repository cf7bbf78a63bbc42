package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is the unit of work moved through a broker: a callable identifier,
// a serialized argument payload and enqueue metadata. Only Status and the
// outcome fields change after a job has been dequeued.
type Job struct {
	ID         string          `json:"id"`
	Func       string          `json:"func"`
	Payload    json.RawMessage `json:"payload"`
	Origin     string          `json:"origin"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Status     Status          `json:"status"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Worker     string          `json:"worker,omitempty"`

	// DeliveryTag identifies the in-flight message on brokers that need it
	DeliveryTag uint64 `json:"-"`
}

// payloadEnvelope is the wire shape of Job.Payload
type payloadEnvelope struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// NewJob builds a queued job for fn with the given arguments
func NewJob(fn string, args []any, kwargs map[string]any) (*Job, error) {
	if fn == "" {
		return nil, fmt.Errorf("%w: empty function name", ErrSerialization)
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	payload, err := json.Marshal(payloadEnvelope{Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	return &Job{
		ID:         uuid.NewString(),
		Func:       fn,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
		Status:     StatusQueued,
	}, nil
}

// MarkStarted records the start of execution
func (j *Job) MarkStarted(worker string, at time.Time) {
	j.Status = StatusStarted
	j.Worker = worker
	j.StartedAt = &at
}

// MarkFinished records a successful outcome
func (j *Job) MarkFinished(result json.RawMessage, at time.Time) {
	j.Status = StatusFinished
	j.Result = result
	j.EndedAt = &at
}

// MarkFailed records a failed outcome
func (j *Job) MarkFailed(cause error, at time.Time) {
	j.Status = StatusFailed
	if cause != nil {
		j.Error = cause.Error()
	}
	j.EndedAt = &at
}

// Duration is the execution time, zero until the job has ended
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.EndedAt == nil {
		return 0
	}
	return j.EndedAt.Sub(*j.StartedAt)
}
