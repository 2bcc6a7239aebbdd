// Package report writes the per-job result markers and hands a workspace's
// result artifacts to the upload collaborator.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// MarkerExt is the extension of every result artifact that is uploaded.
	MarkerExt = ".vmr"

	// GradeFile holds "ok" or "error" and is rewritten on every outcome.
	GradeFile = "grade" + MarkerExt

	// DiagnosticFile collects one line per notable processing event.
	DiagnosticFile = "vmchecker-stderr" + MarkerExt

	// SubmissionConfigFile is passed through to the uploader when present.
	SubmissionConfigFile = "submission-config"

	GradeOK    = "ok"
	GradeError = "error"
)

// Markers writes the grade and diagnostic markers of one workspace.
type Markers struct {
	dir string
	mu  sync.Mutex
}

// NewMarkers returns a marker writer for the workspace at dir.
func NewMarkers(dir string) *Markers {
	return &Markers{dir: dir}
}

func (m *Markers) GradePath() string      { return filepath.Join(m.dir, GradeFile) }
func (m *Markers) DiagnosticPath() string { return filepath.Join(m.dir, DiagnosticFile) }

// Grade overwrites the grade marker with "ok" or "error".
func (m *Markers) Grade(ok bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	value := GradeError
	if ok {
		value = GradeOK
	}
	if err := os.WriteFile(m.GradePath(), []byte(value+"\n"), 0o644); err != nil {
		return fmt.Errorf("write grade marker: %w", err)
	}
	return nil
}

// Diagnostic appends one line to the diagnostic marker. Embedded newlines are
// flattened so every event stays on its own line.
func (m *Markers) Diagnostic(line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	line = strings.TrimRight(strings.ReplaceAll(line, "\n", " "), " ")
	f, err := os.OpenFile(m.DiagnosticPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open diagnostic marker: %w", err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("append diagnostic marker: %w", err)
	}
	return f.Close()
}
