package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/gradeq/internal/config"
	"github.com/mattjoyce/gradeq/internal/storage"
)

func localFS(string, string) error { return nil }

func validCourse(t *testing.T) (*config.Config, *config.Course) {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"queue", "tmpunzip"} {
		if err := os.Mkdir(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	agent := filepath.Join(root, "run.sh")
	if err := os.WriteFile(agent, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(root, "gradeq.db")
	course := &config.Course{
		ID:       "so",
		Root:     root,
		QueueDir: filepath.Join(root, "queue"),
		UnzipDir: filepath.Join(root, "tmpunzip"),
		Agent:    agent,
		Upload: config.UploadConfig{
			Kind:    config.UploadExec,
			Command: []string{agent},
		},
	}
	return cfg, course
}

func newDoctor(cfg *config.Config, course *config.Course) *Doctor {
	d := New(cfg, course)
	d.fsCheck = localFS
	return d
}

func hasIssue(issues []Issue, category, substr string) bool {
	for _, i := range issues {
		if i.Category == category && strings.Contains(i.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidate_ReadyCourse(t *testing.T) {
	t.Parallel()
	cfg, course := validCourse(t)
	r := newDoctor(cfg, course).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", r.Warnings)
	}
}

func TestValidate_MissingQueueDir(t *testing.T) {
	t.Parallel()
	cfg, course := validCourse(t)
	if err := os.Remove(course.QueueDir); err != nil {
		t.Fatal(err)
	}

	r := newDoctor(cfg, course).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "layout", "gradeq init --course so") {
		t.Fatalf("expected init hint, got %v", r.Errors)
	}
}

func TestValidate_UnzipDirIsFile(t *testing.T) {
	t.Parallel()
	cfg, course := validCourse(t)
	if err := os.Remove(course.UnzipDir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(course.UnzipDir, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	r := newDoctor(cfg, course).Validate()
	if !hasIssue(r.Errors, "layout", "is not a directory") {
		t.Fatalf("expected not-a-directory error, got %v", r.Errors)
	}
}

func TestValidate_SameQueueAndUnzipDir(t *testing.T) {
	t.Parallel()
	cfg, course := validCourse(t)
	course.UnzipDir = course.QueueDir

	r := newDoctor(cfg, course).Validate()
	if !hasIssue(r.Errors, "layout", "must differ") {
		t.Fatalf("expected layout error, got %v", r.Errors)
	}
}

func TestValidate_AgentProblemsAreWarnings(t *testing.T) {
	t.Parallel()

	t.Run("missing", func(t *testing.T) {
		cfg, course := validCourse(t)
		course.Agent = filepath.Join(course.Root, "nope.sh")
		r := newDoctor(cfg, course).Validate()
		if !r.Valid {
			t.Fatalf("missing agent should not block startup: %v", r.Errors)
		}
		if !hasIssue(r.Warnings, "agent", "not found") {
			t.Fatalf("expected agent warning, got %v", r.Warnings)
		}
	})

	t.Run("not executable", func(t *testing.T) {
		cfg, course := validCourse(t)
		if err := os.Chmod(course.Agent, 0o644); err != nil {
			t.Fatal(err)
		}
		r := newDoctor(cfg, course).Validate()
		if !hasIssue(r.Warnings, "agent", "not executable") {
			t.Fatalf("expected agent warning, got %v", r.Warnings)
		}
	})
}

func TestValidate_DownloaderWithoutTimeout(t *testing.T) {
	t.Parallel()
	cfg, course := validCourse(t)
	course.Downloader = course.Agent

	r := newDoctor(cfg, course).Validate()
	if !hasIssue(r.Warnings, "supervisor", "no timeout") {
		t.Fatalf("expected downloader timeout warning, got %v", r.Warnings)
	}

	course.DownloaderTimeout = time.Minute
	r = newDoctor(cfg, course).Validate()
	if hasIssue(r.Warnings, "supervisor", "no timeout") {
		t.Fatalf("unexpected downloader timeout warning: %v", r.Warnings)
	}
}

func TestValidate_Upload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		upload   config.UploadConfig
		wantErr  string
		wantWarn string
	}{
		{name: "none", upload: config.UploadConfig{Kind: config.UploadNone}, wantWarn: "not uploaded"},
		{name: "exec without command", upload: config.UploadConfig{Kind: config.UploadExec}, wantErr: "command is required"},
		{name: "exec not in path", upload: config.UploadConfig{Kind: config.UploadExec, Command: []string{"gradeq-no-such-uploader"}}, wantWarn: "not found in PATH"},
		{name: "s3 without bucket", upload: config.UploadConfig{Kind: config.UploadS3}, wantErr: "bucket is required"},
		{name: "s3 endpoint", upload: config.UploadConfig{Kind: config.UploadS3, S3: config.S3Config{Bucket: "b", Endpoint: "http://minio:9000"}}, wantWarn: "path_style"},
		{name: "unknown", upload: config.UploadConfig{Kind: "ftp"}, wantErr: "unknown upload kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, course := validCourse(t)
			course.Upload = tt.upload
			r := newDoctor(cfg, course).Validate()
			if tt.wantErr != "" && !hasIssue(r.Errors, "upload", tt.wantErr) {
				t.Fatalf("expected error %q, got %v", tt.wantErr, r.Errors)
			}
			if tt.wantErr == "" && !r.Valid {
				t.Fatalf("unexpected errors: %v", r.Errors)
			}
			if tt.wantWarn != "" && !hasIssue(r.Warnings, "upload", tt.wantWarn) {
				t.Fatalf("expected warning %q, got %v", tt.wantWarn, r.Warnings)
			}
		})
	}
}

func TestValidate_NetworkFilesystems(t *testing.T) {
	t.Parallel()
	cfg, course := validCourse(t)
	d := New(cfg, course)
	d.fsCheck = func(path, purpose string) error {
		return &storage.RemoteFilesystemError{Path: path, FSType: "nfs", Purpose: purpose}
	}

	r := d.Validate()
	if r.Valid {
		t.Fatal("state on nfs should be an error")
	}
	if !hasIssue(r.Errors, "filesystem", "nfs") {
		t.Fatalf("expected state filesystem error, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "filesystem", "fsnotify") {
		t.Fatalf("expected queue filesystem warning, got %v", r.Warnings)
	}
}

func TestValidate_PollIntervalExceedsMaxRuntime(t *testing.T) {
	t.Parallel()
	cfg, course := validCourse(t)
	cfg.Supervisor.MaxRuntime = time.Second
	cfg.Supervisor.PollInterval = time.Minute

	r := newDoctor(cfg, course).Validate()
	if !hasIssue(r.Warnings, "supervisor", "exceeds max_runtime") {
		t.Fatalf("expected poll interval warning, got %v", r.Warnings)
	}
}

func TestValidate_OpenAPI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		listen   string
		tokens   []config.APIToken
		wantWarn bool
	}{
		{listen: "127.0.0.1:8091"},
		{listen: "localhost:8091"},
		{listen: "[::1]:8091"},
		{listen: "0.0.0.0:8091", wantWarn: true},
		{listen: ":8091", wantWarn: true},
		{listen: "0.0.0.0:8091", tokens: []config.APIToken{{Token: "t", Scopes: []string{"*"}}}},
	}
	for _, tt := range tests {
		cfg, course := validCourse(t)
		cfg.API.Enabled = true
		cfg.API.Listen = tt.listen
		cfg.API.Tokens = tt.tokens
		r := newDoctor(cfg, course).Validate()
		if got := hasIssue(r.Warnings, "api", "without tokens"); got != tt.wantWarn {
			t.Fatalf("listen %s tokens %d: warning = %v, want %v", tt.listen, len(tt.tokens), got, tt.wantWarn)
		}
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()

	ok := FormatHuman(&Result{Valid: true, Course: "so"})
	if ok != "Course so ready.\n" {
		t.Fatalf("got %q", ok)
	}

	bad := FormatHuman(&Result{
		Valid:    false,
		Course:   "so",
		Errors:   []Issue{{Category: "layout", Field: "courses.so.queue_dir", Message: "missing"}},
		Warnings: []Issue{{Category: "agent", Message: "not executable"}},
	})
	for _, want := range []string{
		"Course so not ready (1 error(s), 1 warning(s))",
		"ERROR [layout] courses.so.queue_dir: missing",
		"WARN  [agent] not executable",
	} {
		if !strings.Contains(bad, want) {
			t.Fatalf("output missing %q:\n%s", want, bad)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true, Course: "so", Errors: []Issue{}, Warnings: []Issue{}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": true`) || !strings.Contains(out, `"course": "so"`) {
		t.Fatalf("unexpected json: %s", out)
	}
}
