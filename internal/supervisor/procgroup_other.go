//go:build !unix

package supervisor

import "os/exec"

func isolate(*exec.Cmd) {}

func terminateSignal(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func killSignal(cmd *exec.Cmd) error { return terminateSignal(cmd) }
