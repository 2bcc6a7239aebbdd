// Package upload provides the result delivery collaborators a course can be
// configured with.
package upload

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/gradeq/internal/config"
	"github.com/mattjoyce/gradeq/internal/report"
)

// New returns the uploader selected by the course's upload.kind.
func New(ctx context.Context, course *config.Course, logger *slog.Logger) (report.Uploader, error) {
	switch course.Upload.Kind {
	case config.UploadNone, "":
		return NewLogOnly(logger), nil
	case config.UploadExec:
		return NewExec(course.Upload.Command, logger)
	case config.UploadS3:
		client, err := NewS3Client(ctx, course.Upload.S3)
		if err != nil {
			return nil, err
		}
		return NewS3(client, course.Upload.S3.Bucket, course.Upload.S3.Prefix, course.ID, logger), nil
	default:
		return nil, fmt.Errorf("unknown upload kind %q", course.Upload.Kind)
	}
}

// LogOnly records what would have been uploaded.
type LogOnly struct {
	logger *slog.Logger
}

func NewLogOnly(logger *slog.Logger) *LogOnly {
	return &LogOnly{logger: logger}
}

func (u *LogOnly) Upload(_ context.Context, configPath string, files []string) error {
	u.logger.Info("results ready", "config", configPath, "files", files)
	return nil
}
