//go:build unix

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolate puts the child in its own process group so that termination
// reaches everything the agent spawned.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// Group already gone; fall back to the leader in case it never
		// became a group leader.
		return cmd.Process.Signal(sig)
	}
	return err
}

func terminateSignal(cmd *exec.Cmd) error { return signalGroup(cmd, unix.SIGTERM) }
func killSignal(cmd *exec.Cmd) error      { return signalGroup(cmd, unix.SIGKILL) }
