package domain

// Status is the lifecycle state of a job descriptor
type Status string

// Job status constants
const (
	StatusQueued   Status = "queued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusStarted, StatusFinished, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}
