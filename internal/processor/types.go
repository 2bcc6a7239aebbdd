package processor

import (
	"strings"
	"time"

	"github.com/mattjoyce/gradeq/internal/history"
	"github.com/mattjoyce/gradeq/internal/supervisor"
)

// Job is one bundle picked up from the queue.
type Job struct {
	ID          string
	Course      string
	QueueDir    string
	Name        string
	Path        string
	Fingerprint string
}

// Report is everything Process learned about one job.
type Report struct {
	Job       Job
	Workspace string

	// Supervised is false when the pipeline never reached the agent.
	Supervised bool
	Result     supervisor.Result

	Status      history.Status
	Interrupted bool
	Errors      []*StepError

	Started  time.Time
	Finished time.Time
}

func (r *Report) add(kind ErrorKind, err error) *StepError {
	se := &StepError{Kind: kind, Err: err}
	r.Errors = append(r.Errors, se)
	return se
}

// Err returns the first error of the given kind, or nil.
func (r *Report) Err(kind ErrorKind) *StepError {
	for _, e := range r.Errors {
		if e.Kind == kind {
			return e
		}
	}
	return nil
}

// Summary joins the step errors into one line for the job log.
func (r *Report) Summary() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

func (r *Report) status() history.Status {
	if r.Interrupted {
		return history.StatusInterrupted
	}
	if !r.Supervised {
		return history.StatusFailed
	}
	switch r.Result.Outcome {
	case supervisor.Completed:
		if r.Result.ExitCode == 0 {
			return history.StatusSucceeded
		}
		return history.StatusFailed
	case supervisor.TimedOut:
		return history.StatusTimedOut
	case supervisor.StartFailure:
		return history.StatusStartFailed
	default:
		return history.StatusFailed
	}
}
