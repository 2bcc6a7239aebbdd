package processor

import (
	"errors"
	"fmt"
)

// ErrorKind names the pipeline step a failure came from.
type ErrorKind string

const (
	KindWorkspace  ErrorKind = "workspace"
	KindExtract    ErrorKind = "extract"
	KindDownload   ErrorKind = "download"
	KindSupervise  ErrorKind = "supervise"
	KindUpload     ErrorKind = "upload"
	KindCleanup    ErrorKind = "cleanup"
	KindUnexpected ErrorKind = "unexpected"
)

// StepError is a job-local failure. It is logged and recorded, never
// returned past Process.
type StepError struct {
	Kind ErrorKind
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// ErrAgentTimedOut is the supervise step error of a timed out agent.
var ErrAgentTimedOut = errors.New("agent exceeded max runtime")

// KindOf returns the ErrorKind of err, or "" when err is not a StepError.
func KindOf(err error) ErrorKind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
