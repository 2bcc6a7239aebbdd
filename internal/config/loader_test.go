package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
courses:
  so:
    root: /srv/gradeq/so
    agent: bin/run-agent
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Supervisor.MaxRuntime != 10*time.Minute {
					t.Errorf("max_runtime default = %v, want 10m", cfg.Supervisor.MaxRuntime)
				}
				if cfg.Supervisor.PollInterval != 5*time.Second {
					t.Errorf("poll_interval default = %v, want 5s", cfg.Supervisor.PollInterval)
				}
				if cfg.Watch.Backend != WatchInotify {
					t.Errorf("watch.backend default = %q", cfg.Watch.Backend)
				}
				so, ok := cfg.Courses["so"]
				if !ok {
					t.Fatal("course so not found")
				}
				if so.QueueDir != "queue" || so.UnzipDir != "tmpunzip" {
					t.Errorf("course dir defaults not applied: %+v", so)
				}
				if so.Upload.Kind != UploadNone {
					t.Errorf("upload kind default = %q", so.Upload.Kind)
				}
			},
		},
		{
			name: "durations and upload",
			yaml: `
supervisor:
  max_runtime: 90s
  poll_interval: 250ms
courses:
  pa:
    root: /srv/pa
    agent: /usr/local/bin/agent
    downloader_timeout: 2m
    upload:
      kind: exec
      command: [bin/upload, --verbose]
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Supervisor.MaxRuntime != 90*time.Second {
					t.Errorf("max_runtime = %v", cfg.Supervisor.MaxRuntime)
				}
				if cfg.Supervisor.PollInterval != 250*time.Millisecond {
					t.Errorf("poll_interval = %v", cfg.Supervisor.PollInterval)
				}
				pa := cfg.Courses["pa"]
				if pa.DownloaderTimeout != 2*time.Minute {
					t.Errorf("downloader_timeout = %v", pa.DownloaderTimeout)
				}
				if len(pa.Upload.Command) != 2 {
					t.Errorf("upload.command = %v", pa.Upload.Command)
				}
			},
		},
		{
			name: "environment interpolation",
			yaml: `
courses:
  so:
    root: ${GRADEQ_TEST_ROOT}
    agent: bin/run-agent
`,
			env: map[string]string{"GRADEQ_TEST_ROOT": "/data/so"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Courses["so"].Root != "/data/so" {
					t.Errorf("root = %q", cfg.Courses["so"].Root)
				}
			},
		},
		{
			name: "unresolved environment variable",
			yaml: `
courses:
  so:
    root: ${GRADEQ_TEST_UNSET_ROOT}
    agent: bin/run-agent
`,
			wantErr: true,
		},
		{
			name: "missing agent",
			yaml: `
courses:
  so:
    root: /srv/so
`,
			wantErr: true,
		},
		{
			name: "exec upload without command",
			yaml: `
courses:
  so:
    root: /srv/so
    agent: a
    upload:
      kind: exec
`,
			wantErr: true,
		},
		{
			name: "s3 upload without bucket",
			yaml: `
courses:
  so:
    root: /srv/so
    agent: a
    upload:
      kind: s3
      s3:
        region: eu-west-1
`,
			wantErr: true,
		},
		{
			name: "unknown watch backend",
			yaml: `
watch:
  backend: polling
`,
			wantErr: true,
		},
		{
			name: "intake with secret from environment",
			yaml: `
intake:
  enabled: true
  secret: ${GRADEQ_TEST_INTAKE_SECRET}
  max_body_size: 16MB
`,
			env: map[string]string{"GRADEQ_TEST_INTAKE_SECRET": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Intake.Secret != "s3cret" {
					t.Errorf("intake.secret = %q", cfg.Intake.Secret)
				}
				if cfg.Intake.Listen != "127.0.0.1:8092" {
					t.Errorf("intake.listen default = %q", cfg.Intake.Listen)
				}
				if cfg.Intake.SignatureHeader != "X-Gradeq-Signature" {
					t.Errorf("intake.signature_header default = %q", cfg.Intake.SignatureHeader)
				}
			},
		},
		{
			name: "intake with unset secret",
			yaml: `
intake:
  enabled: true
  secret: ${GRADEQ_TEST_UNSET_INTAKE_SECRET}
`,
			wantErr: true,
		},
		{
			name: "api token without scopes",
			yaml: `
api:
  enabled: true
  tokens:
    - token: abc
`,
			wantErr: true,
		},
		{
			name: "bad log level",
			yaml: `
service:
  log_level: chatty
`,
			wantErr: true,
		},
		{
			name: "zero max runtime",
			yaml: `
supervisor:
  max_runtime: 0s
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}

			cfg, err := Load(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.SourcePath != path {
				t.Errorf("SourcePath = %q, want %q", cfg.SourcePath, path)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  name: test\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	if cfg.Service.Name != "test" {
		t.Errorf("service.name = %q", cfg.Service.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCourseResolve(t *testing.T) {
	cfg, err := Parse([]byte(`
courses:
  so:
    root: /srv/so
    agent: bin/run-agent
    downloader: /opt/dl
    upload:
      kind: exec
      command: [bin/upload, -q]
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	c, err := cfg.Course("so")
	if err != nil {
		t.Fatalf("Course() error = %v", err)
	}
	if c.QueueDir != "/srv/so/queue" {
		t.Errorf("QueueDir = %q", c.QueueDir)
	}
	if c.UnzipDir != "/srv/so/tmpunzip" {
		t.Errorf("UnzipDir = %q", c.UnzipDir)
	}
	if c.Agent != "/srv/so/bin/run-agent" {
		t.Errorf("Agent = %q", c.Agent)
	}
	if c.Downloader != "/opt/dl" {
		t.Errorf("Downloader = %q", c.Downloader)
	}
	if c.Upload.Command[0] != "/srv/so/bin/upload" || c.Upload.Command[1] != "-q" {
		t.Errorf("Upload.Command = %v", c.Upload.Command)
	}
	if got := c.RequiredDirs(); len(got) != 3 || got[1] != c.QueueDir {
		t.Errorf("RequiredDirs() = %v", got)
	}

	if _, err := cfg.Course("nope"); err == nil {
		t.Error("expected error for unknown course")
	}
	if _, err := cfg.Course(""); err == nil {
		t.Error("expected error for empty course id")
	}
}
