package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Supervisor runs one agent at a time under Config's deadline.
type Supervisor struct {
	agent  string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Supervisor for the agent executable at path.
func New(agent string, cfg Config, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		agent:  agent,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Config returns the effective limits.
func (s *Supervisor) Config() Config { return s.cfg }

// Run spawns `<agent> <workspace>` and supervises it until it exits or the
// deadline passes, recording the outcome through rec. The returned error is
// non-nil only for ErrInterrupted; every other failure is part of Result.
func (s *Supervisor) Run(ctx context.Context, workspace string, rec Recorder) (Result, error) {
	logger := s.logger.With("agent", s.agent, "workspace", workspace)

	start := s.now()
	deadline := start.Add(s.cfg.MaxRuntime)

	cmd := exec.Command(s.agent, workspace)
	cmd.Dir = workspace
	isolate(cmd)
	closeOutputs := captureOutputs(cmd, workspace, logger)
	defer closeOutputs()

	logger.Debug("spawning agent", "max_runtime", s.cfg.MaxRuntime, "poll_interval", s.cfg.PollInterval)
	if err := cmd.Start(); err != nil {
		startErr := &StartError{Path: s.agent, Err: err}
		logger.Error("agent failed to start", "error", err)
		s.record(logger, rec, false, fmt.Sprintf("Could not start the agent: %v", err))
		return Result{Outcome: StartFailure, ExitCode: -1, StartErr: startErr}, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	res := Result{Outcome: Running, ExitCode: -1}
	for {
		select {
		case err := <-done:
			return s.completed(logger, rec, cmd, err, start), nil
		default:
		}

		now := s.now()
		if !now.Before(deadline) {
			// Exclusive deadline: an exit that is already pending wins over the
			// timeout, so the outcome is decided exactly once.
			select {
			case err := <-done:
				return s.completed(logger, rec, cmd, err, start), nil
			default:
			}
			return s.timedOut(logger, rec, cmd, done, start), nil
		}

		wait := s.cfg.PollInterval
		if left := deadline.Sub(now); left < wait {
			wait = left
		}
		timer := time.NewTimer(wait)
		select {
		case err := <-done:
			timer.Stop()
			return s.completed(logger, rec, cmd, err, start), nil
		case <-timer.C:
			logger.Debug("agent still running", "elapsed", s.now().Sub(start).Round(time.Millisecond))
		case <-ctx.Done():
			timer.Stop()
			logger.Warn("run interrupted, terminating agent", "reason", context.Cause(ctx))
			res.Signaled, res.Killed = s.terminate(logger, cmd, done)
			res.Duration = s.now().Sub(start)
			return res, ErrInterrupted
		}
	}
}

func (s *Supervisor) completed(logger *slog.Logger, rec Recorder, cmd *exec.Cmd, waitErr error, start time.Time) Result {
	res := Result{Outcome: Completed, ExitCode: -1, Duration: s.now().Sub(start)}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		logger.Error("waiting for agent failed", "error", waitErr)
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
	}

	label := "error"
	if res.ExitCode == 0 {
		label = "success"
	}
	logger.Info("agent finished", "exit_code", res.ExitCode, "duration", res.Duration.Round(time.Millisecond))
	s.record(logger, rec, res.ExitCode == 0, fmt.Sprintf("Agent finished with exitcode %d (%s)", res.ExitCode, label))
	return res
}

func (s *Supervisor) timedOut(logger *slog.Logger, rec Recorder, cmd *exec.Cmd, done <-chan error, start time.Time) Result {
	logger.Warn("agent exceeded max runtime", "max_runtime", s.cfg.MaxRuntime)
	s.record(logger, rec, false, fmt.Sprintf(
		"The tester is taking too long (exceeded %s). Please check your submission and resubmit.", s.cfg.MaxRuntime))

	res := Result{Outcome: TimedOut, ExitCode: -1}
	res.Signaled, res.Killed = s.terminate(logger, cmd, done)
	res.Duration = s.now().Sub(start)
	return res
}

// terminate signals the agent's process group and reaps it. Signal failures
// are logged only; the process may already have exited.
func (s *Supervisor) terminate(logger *slog.Logger, cmd *exec.Cmd, done <-chan error) (signaled, killed bool) {
	if err := terminateSignal(cmd); err != nil {
		logger.Warn("failed to send SIGTERM", "error", err)
	} else {
		signaled = true
	}

	grace := time.NewTimer(s.cfg.KillGrace)
	defer grace.Stop()

	select {
	case <-done:
		logger.Info("agent exited after SIGTERM")
		return signaled, false
	case <-grace.C:
	}

	logger.Warn("agent did not exit after SIGTERM, sending SIGKILL")
	if err := killSignal(cmd); err != nil {
		logger.Error("failed to send SIGKILL", "error", err)
	} else {
		signaled, killed = true, true
	}
	<-done
	return signaled, killed
}

func (s *Supervisor) record(logger *slog.Logger, rec Recorder, ok bool, line string) {
	if rec == nil {
		return
	}
	if err := rec.Diagnostic(line); err != nil {
		logger.Error("failed to write diagnostic marker", "error", err)
	}
	if err := rec.Grade(ok); err != nil {
		logger.Error("failed to write grade marker", "error", err)
	}
}

// captureOutputs points the agent's stdout and stderr at files in the
// workspace. When the workspace cannot hold them the streams are discarded.
func captureOutputs(cmd *exec.Cmd, workspace string, logger *slog.Logger) func() {
	var files []*os.File
	open := func(name string) io.Writer {
		f, err := os.OpenFile(filepath.Join(workspace, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn("cannot capture agent output", "file", name, "error", err)
			return nil
		}
		files = append(files, f)
		return f
	}
	cmd.Stdout = open(StdoutFile)
	cmd.Stderr = open(StderrFile)
	return func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
}
