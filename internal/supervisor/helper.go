package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// ErrHelperTimeout is returned by RunHelper when the helper was terminated
// for running past its timeout.
var ErrHelperTimeout = errors.New("helper exceeded its timeout")

// RunHelper runs `<path> <workspace>` to completion. Its exit status is
// reported but not interpreted. A zero timeout waits indefinitely; a positive
// one terminates the helper the same way a timed out agent is terminated.
// Spawn failures are returned as *StartError.
func RunHelper(ctx context.Context, path, workspace string, timeout, killGrace time.Duration, logger *slog.Logger) (int, error) {
	cmd := exec.Command(path, workspace)
	cmd.Dir = workspace
	isolate(cmd)

	if err := cmd.Start(); err != nil {
		return -1, &StartError{Path: path, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	stop := func() {
		s := &Supervisor{cfg: Config{KillGrace: killGrace}, logger: logger, now: time.Now}
		s.terminate(logger, cmd, done)
	}

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			return 0, nil
		case errors.As(err, &exitErr):
			return exitErr.ExitCode(), nil
		default:
			return -1, fmt.Errorf("wait for %s: %w", path, err)
		}
	case <-expired:
		logger.Warn("helper exceeded timeout, terminating", "path", path, "timeout", timeout)
		stop()
		return -1, ErrHelperTimeout
	case <-ctx.Done():
		stop()
		return -1, ErrInterrupted
	}
}
