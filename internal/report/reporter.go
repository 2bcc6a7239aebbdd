package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

//go:generate mockgen -destination=mocks/mock_uploader.go -package=mocks github.com/mattjoyce/gradeq/internal/report Uploader

// Uploader is the result delivery collaborator. configPath is the
// workspace's submission-config (empty when the bundle had none) and files
// are the result artifacts, both absolute paths.
type Uploader interface {
	Upload(ctx context.Context, configPath string, files []string) error
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, configPath string, files []string) error

func (f UploaderFunc) Upload(ctx context.Context, configPath string, files []string) error {
	return f(ctx, configPath, files)
}

// Artifacts is what Gather found in a workspace.
type Artifacts struct {
	ConfigPath string
	Files      []string
}

// Gather lists the top-level result artifacts of a workspace in name order.
func Gather(dir string) (Artifacts, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Artifacts{}, fmt.Errorf("list workspace: %w", err)
	}

	var a Artifacts
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		switch {
		case name == SubmissionConfigFile:
			a.ConfigPath = filepath.Join(dir, name)
		case strings.HasSuffix(name, MarkerExt):
			a.Files = append(a.Files, filepath.Join(dir, name))
		}
	}
	sort.Strings(a.Files)
	return a, nil
}

// Reporter forwards a finished workspace to the uploader.
type Reporter struct {
	uploader Uploader
	logger   *slog.Logger
}

// NewReporter builds a Reporter. A nil uploader is an error at upload time,
// not at construction, so a misconfigured course still grades and cleans up.
func NewReporter(u Uploader, logger *slog.Logger) *Reporter {
	return &Reporter{uploader: u, logger: logger}
}

// Upload gathers the workspace's artifacts and calls the uploader once.
func (r *Reporter) Upload(ctx context.Context, dir string) (Artifacts, error) {
	a, err := Gather(dir)
	if err != nil {
		return a, err
	}
	if r.uploader == nil {
		return a, errors.New("no uploader configured")
	}

	r.logger.Debug("uploading results", "config", a.ConfigPath, "files", len(a.Files))
	if err := r.uploader.Upload(ctx, a.ConfigPath, a.Files); err != nil {
		return a, fmt.Errorf("upload results: %w", err)
	}
	return a, nil
}
