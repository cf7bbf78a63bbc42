package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is returned when the broker cannot be reached at startup
	ErrConnection = errors.New("broker connection failed")

	// ErrConnectionLost is returned when the broker goes away mid-loop
	ErrConnectionLost = errors.New("broker connection lost")

	// ErrBinding is returned for malformed queue bindings
	ErrBinding = errors.New("invalid queue binding")

	// ErrJobExecution is returned when a job body fails
	ErrJobExecution = errors.New("job execution failed")

	// ErrSerialization is returned when a job payload cannot be decoded
	ErrSerialization = errors.New("malformed job payload")

	// ErrUnknownFunction is returned when no handler is registered for a job
	ErrUnknownFunction = errors.New("unregistered job function")

	// ErrJobNotFound is returned when a job cannot be found on the broker
	ErrJobNotFound = errors.New("job not found")

	// ErrUnsupported is returned by brokers lacking an optional capability
	ErrUnsupported = errors.New("operation not supported by broker")
)

// JobError ties a job-body failure to the job that produced it
type JobError struct {
	JobID string
	Func  string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s (%s): %v", e.JobID, e.Func, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError wraps err for job. Causes that are not already classified as
// serialization or lookup failures are tagged as execution failures.
func NewJobError(job *Job, err error) error {
	if !errors.Is(err, ErrSerialization) && !errors.Is(err, ErrUnknownFunction) && !errors.Is(err, ErrJobExecution) {
		err = fmt.Errorf("%w: %w", ErrJobExecution, err)
	}
	return &JobError{JobID: job.ID, Func: job.Func, Err: err}
}

// IsFatal reports whether err must terminate the work loop
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrBinding)
}
