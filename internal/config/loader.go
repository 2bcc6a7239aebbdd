package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory path is
// treated as the directory holding config.yaml.
func Load(configPath string) (*Config, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML config bytes on top of Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Courses == nil {
		cfg.Courses = make(map[string]CourseConf)
	}
	for id, cc := range cfg.Courses {
		cfg.Courses[id] = mergeCourseDefaults(cc)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigFile finds the config file by checking standard locations.
// Priority order: $GRADEQ_CONFIG, ~/.config/gradeq/config.yaml,
// /etc/gradeq/config.yaml, ./config.yaml
func DiscoverConfigFile() (string, error) {
	if p := os.Getenv("GRADEQ_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	candidates := make([]string, 0, 3)
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "gradeq", "config.yaml"))
	}
	candidates = append(candidates, "/etc/gradeq/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $GRADEQ_CONFIG, ~/.config/gradeq/config.yaml, /etc/gradeq/config.yaml, ./config.yaml)")
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Leave the placeholder; validation reports it where it matters.
		return match
	})
}

func mergeCourseDefaults(cc CourseConf) CourseConf {
	def := DefaultCourseConf()
	if cc.QueueDir == "" {
		cc.QueueDir = def.QueueDir
	}
	if cc.UnzipDir == "" {
		cc.UnzipDir = def.UnzipDir
	}
	if cc.WorkspaceRetention == 0 {
		cc.WorkspaceRetention = def.WorkspaceRetention
	}
	if cc.Upload.Kind == "" {
		cc.Upload.Kind = def.Upload.Kind
	}
	return cc
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.Supervisor.MaxRuntime <= 0 {
		return fmt.Errorf("supervisor.max_runtime must be positive")
	}
	if cfg.Supervisor.PollInterval <= 0 {
		return fmt.Errorf("supervisor.poll_interval must be positive")
	}
	if cfg.Supervisor.KillGrace < 0 {
		return fmt.Errorf("supervisor.kill_grace must not be negative")
	}

	switch cfg.Watch.Backend {
	case WatchInotify, WatchFsnotify:
	default:
		return fmt.Errorf("watch.backend must be %q or %q (got %q)", WatchInotify, WatchFsnotify, cfg.Watch.Backend)
	}
	if cfg.Watch.Backend == WatchFsnotify && cfg.Watch.Settle <= 0 {
		return fmt.Errorf("watch.settle must be positive for the fsnotify backend")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api is enabled")
	}
	for i, t := range cfg.API.Tokens {
		if strings.TrimSpace(t.Token) == "" || envVarPattern.MatchString(t.Token) {
			return fmt.Errorf("api.tokens[%d].token is empty or references an unset variable", i)
		}
		if len(t.Scopes) == 0 {
			return fmt.Errorf("api.tokens[%d].scopes must not be empty", i)
		}
	}
	if cfg.Intake.Enabled {
		if cfg.Intake.Listen == "" {
			return fmt.Errorf("intake.listen is required when intake is enabled")
		}
		if strings.TrimSpace(cfg.Intake.Secret) == "" || envVarPattern.MatchString(cfg.Intake.Secret) {
			return fmt.Errorf("intake.secret is empty or references an unset variable")
		}
		if cfg.Intake.SignatureHeader == "" {
			return fmt.Errorf("intake.signature_header is required when intake is enabled")
		}
	}
	if cfg.Notify.Redis.Addr != "" && cfg.Notify.Redis.Channel == "" {
		return fmt.Errorf("notify.redis.channel is required when notify.redis.addr is set")
	}

	for id, cc := range cfg.Courses {
		if err := validateCourse(id, cc); err != nil {
			return err
		}
	}
	return nil
}

func validateCourse(id string, cc CourseConf) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("courses: empty course id")
	}
	if cc.Root == "" {
		return fmt.Errorf("courses.%s.root is required", id)
	}
	if envVarPattern.MatchString(cc.Root) {
		return fmt.Errorf("courses.%s.root: environment variable ${%s} is not set", id, envVarPattern.FindStringSubmatch(cc.Root)[1])
	}
	if cc.Agent == "" {
		return fmt.Errorf("courses.%s.agent is required", id)
	}
	if cc.DownloaderTimeout < 0 {
		return fmt.Errorf("courses.%s.downloader_timeout must not be negative", id)
	}
	if cc.WorkspaceRetention < 0 {
		return fmt.Errorf("courses.%s.workspace_retention must not be negative", id)
	}

	switch cc.Upload.Kind {
	case UploadNone:
	case UploadExec:
		if len(cc.Upload.Command) == 0 {
			return fmt.Errorf("courses.%s.upload.command is required for kind %q", id, UploadExec)
		}
	case UploadS3:
		if cc.Upload.S3.Bucket == "" {
			return fmt.Errorf("courses.%s.upload.s3.bucket is required for kind %q", id, UploadS3)
		}
		if cc.Upload.S3.Region == "" {
			return fmt.Errorf("courses.%s.upload.s3.region is required for kind %q", id, UploadS3)
		}
	default:
		return fmt.Errorf("courses.%s.upload.kind must be one of: none, exec, s3 (got %q)", id, cc.Upload.Kind)
	}
	return nil
}
