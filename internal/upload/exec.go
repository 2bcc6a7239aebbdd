package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

const maxOutputInError = 4 * 1024

// Exec hands results to an external upload program:
//
//	<command...> <configPath> <file>...
type Exec struct {
	command []string
	logger  *slog.Logger
}

func NewExec(command []string, logger *slog.Logger) (*Exec, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("exec uploader: command is empty")
	}
	return &Exec{command: append([]string(nil), command...), logger: logger}, nil
}

func (u *Exec) Upload(ctx context.Context, configPath string, files []string) error {
	args := append(append(append([]string(nil), u.command[1:]...), configPath), files...)
	cmd := exec.CommandContext(ctx, u.command[0], args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	u.logger.Debug("running upload command", "command", u.command[0], "files", len(files))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("upload command %s: %w: %s", u.command[0], err, truncate(out.String()))
	}
	return nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutputInError {
		return s
	}
	return s[:maxOutputInError] + "...(truncated)"
}
