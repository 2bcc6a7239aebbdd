package config

import "time"

// Config represents the complete gradeq configuration.
type Config struct {
	Service    ServiceConfig         `yaml:"service"`
	State      StateConfig           `yaml:"state"`
	Supervisor SupervisorConfig      `yaml:"supervisor"`
	Watch      WatchConfig           `yaml:"watch"`
	API        APIConfig             `yaml:"api,omitempty"`
	Notify     NotifyConfig          `yaml:"notify,omitempty"`
	Intake     IntakeConfig          `yaml:"intake,omitempty"`
	Courses    map[string]CourseConf `yaml:"courses"`

	// SourcePath is the absolute path of the file the config was read from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines where job history is kept.
type StateConfig struct {
	Path string `yaml:"path"`
}

// SupervisorConfig bounds the agent process.
type SupervisorConfig struct {
	MaxRuntime   time.Duration `yaml:"max_runtime"`
	PollInterval time.Duration `yaml:"poll_interval"`
	KillGrace    time.Duration `yaml:"kill_grace"`
}

// WatchConfig selects the queue notification backend.
type WatchConfig struct {
	Backend string        `yaml:"backend"` // "inotify" or "fsnotify"
	Settle  time.Duration `yaml:"settle"`  // quiet period for the fsnotify backend
}

// APIConfig defines the optional HTTP status server.
type APIConfig struct {
	Enabled bool       `yaml:"enabled"`
	Listen  string     `yaml:"listen"`
	Tokens  []APIToken `yaml:"tokens,omitempty"`
}

// APIToken is a bearer token and the scopes it grants: jobs:ro, events:ro,
// metrics:ro or "*".
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// IntakeConfig defines the signed HTTP submission endpoint. Bundles posted
// to it are placed in the served course's queue.
type IntakeConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Listen          string `yaml:"listen"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size"` // e.g. "64MB"
}

// NotifyConfig defines outbound lifecycle event forwarding.
type NotifyConfig struct {
	Redis RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the Redis pub/sub forwarder. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// CourseConf is the per-course layout as written in the config file. Relative
// paths are resolved against Root.
type CourseConf struct {
	Root               string        `yaml:"root"`
	QueueDir           string        `yaml:"queue_dir"`
	UnzipDir           string        `yaml:"unzip_dir"`
	Downloader         string        `yaml:"downloader"`
	DownloaderTimeout  time.Duration `yaml:"downloader_timeout"`
	Agent              string        `yaml:"agent"`
	WorkspaceRetention time.Duration `yaml:"workspace_retention"`
	Upload             UploadConfig  `yaml:"upload"`
}

// UploadConfig selects the result upload collaborator.
type UploadConfig struct {
	Kind    string   `yaml:"kind"` // "none", "exec" or "s3"
	Command []string `yaml:"command,omitempty"`
	S3      S3Config `yaml:"s3,omitempty"`
}

// S3Config configures the S3 uploader.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

const (
	WatchInotify  = "inotify"
	WatchFsnotify = "fsnotify"

	UploadNone = "none"
	UploadExec = "exec"
	UploadS3   = "s3"
)

// Defaults returns a Config with the values used when a key is absent.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "gradeq",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/gradeq.db",
		},
		Supervisor: SupervisorConfig{
			MaxRuntime:   10 * time.Minute,
			PollInterval: 5 * time.Second,
			KillGrace:    5 * time.Second,
		},
		Watch: WatchConfig{
			Backend: WatchInotify,
			Settle:  2 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8091",
		},
		Notify: NotifyConfig{
			Redis: RedisConfig{Channel: "gradeq.events"},
		},
		Intake: IntakeConfig{
			Listen:          "127.0.0.1:8092",
			SignatureHeader: "X-Gradeq-Signature",
			MaxBodySize:     "64MB",
		},
		Courses: make(map[string]CourseConf),
	}
}

// DefaultCourseConf returns the layout applied to unset course fields.
func DefaultCourseConf() CourseConf {
	return CourseConf{
		QueueDir:           "queue",
		UnzipDir:           "tmpunzip",
		WorkspaceRetention: 24 * time.Hour,
		Upload:             UploadConfig{Kind: UploadNone},
	}
}
