package history

import (
	"errors"
	"time"
)

type Status string

const (
	StatusRunning     Status = "running"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusTimedOut    Status = "timed_out"
	StatusStartFailed Status = "start_failed"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusStartFailed, StatusInterrupted:
		return true
	}
	return false
}

// Record is one processed (or in-flight) job.
type Record struct {
	ID          string     `json:"id"`
	Course      string     `json:"course"`
	Bundle      string     `json:"bundle"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Workspace   string     `json:"workspace,omitempty"`
	Status      Status     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    *int64     `json:"duration_ms,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

// BeginRequest registers a job as it is picked up.
type BeginRequest struct {
	ID          string
	Course      string
	Bundle      string
	Fingerprint string
	Workspace   string
}

// Completion is the terminal update for a job.
type Completion struct {
	Status    Status
	ExitCode  *int
	LastError string
}

var ErrJobNotFound = errors.New("job not found")
