package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// Outcome is the state a supervised run ended in.
type Outcome int

const (
	NotStarted Outcome = iota
	Running
	StartFailure
	Completed
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case StartFailure:
		return "start_failure"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ErrInterrupted is returned when the run's context is cancelled while the
// agent is running. The agent has been terminated and no outcome recorded.
var ErrInterrupted = errors.New("supervised run interrupted")

// StartError reports that an executable could not be spawned.
type StartError struct {
	Path string
	Err  error
}

func (e *StartError) Error() string { return fmt.Sprintf("start %s: %v", e.Path, e.Err) }
func (e *StartError) Unwrap() error { return e.Err }

// Result describes one supervised agent run.
type Result struct {
	Outcome Outcome

	// ExitCode is the status reported by the OS for COMPLETED runs, -1 when
	// none was available.
	ExitCode int

	// Signaled is set once a termination signal has been delivered; Killed
	// when the kill grace expired and SIGKILL was needed.
	Signaled bool
	Killed   bool

	StartErr error
	Duration time.Duration
}

// Passed reports whether the run earns an "ok" grade.
func (r Result) Passed() bool {
	return r.Outcome == Completed && r.ExitCode == 0
}

// Recorder receives the grade and diagnostic lines of a run.
type Recorder interface {
	Grade(ok bool) error
	Diagnostic(line string) error
}

// Config bounds a supervised run.
type Config struct {
	MaxRuntime   time.Duration
	PollInterval time.Duration
	KillGrace    time.Duration
}

const (
	DefaultMaxRuntime   = 10 * time.Minute
	DefaultPollInterval = 5 * time.Second
	DefaultKillGrace    = 5 * time.Second

	// Files in the workspace the agent's standard streams are written to.
	StdoutFile = "agent-stdout.vmr"
	StderrFile = "agent-stderr.vmr"
)

func (c Config) withDefaults() Config {
	if c.MaxRuntime <= 0 {
		c.MaxRuntime = DefaultMaxRuntime
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.KillGrace < 0 {
		c.KillGrace = 0
	}
	return c
}
