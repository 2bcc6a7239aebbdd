// Package doctor checks that a course is ready to be served before the queue
// manager starts. Errors block startup; warnings are reported and ignored.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/gradeq/internal/config"
	"github.com/mattjoyce/gradeq/internal/storage"
)

// Result holds validation findings.
type Result struct {
	Valid    bool    `json:"valid"`
	Course   string  `json:"course,omitempty"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Issue represents a single validation finding.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a resolved course against the filesystem.
type Doctor struct {
	cfg    *config.Config
	course *config.Course

	// fsCheck is storage.CheckLocalFilesystem outside tests.
	fsCheck func(path, purpose string) error
}

// New creates a Doctor for course. cfg may be nil when only the course
// layout is of interest.
func New(cfg *config.Config, course *config.Course) *Doctor {
	return &Doctor{cfg: cfg, course: course, fsCheck: storage.CheckLocalFilesystem}
}

// Validate runs all checks and returns the result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true, Course: d.course.ID, Errors: []Issue{}, Warnings: []Issue{}}

	d.validateDirs(r)
	d.validateLayout(r)
	d.validateAgent(r)
	d.validateDownloader(r)
	d.validateUpload(r)
	d.validateFilesystems(r)
	d.warnSupervisorLimits(r)
	d.warnOpenAPI(r)

	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, Issue{Category: category, Message: msg, Field: field})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Message: msg, Field: field})
}

// validateDirs requires the course root, queue and unzip directories.
func (d *Doctor) validateDirs(r *Result) {
	fields := []string{"root", "queue_dir", "unzip_dir"}
	for i, dir := range d.course.RequiredDirs() {
		field := fmt.Sprintf("courses.%s.%s", d.course.ID, fields[i])
		info, err := os.Stat(dir)
		switch {
		case errors.Is(err, os.ErrNotExist):
			d.addError(r, "layout", field,
				fmt.Sprintf("directory %s does not exist (run `gradeq init --course %s`)", dir, d.course.ID))
		case err != nil:
			d.addError(r, "layout", field, fmt.Sprintf("cannot stat %s: %v", dir, err))
		case !info.IsDir():
			d.addError(r, "layout", field, fmt.Sprintf("%s is not a directory", dir))
		}
	}
}

// validateLayout rejects layouts where workspaces would land in the queue.
func (d *Doctor) validateLayout(r *Result) {
	q := filepath.Clean(d.course.QueueDir)
	u := filepath.Clean(d.course.UnzipDir)
	if q == u {
		d.addError(r, "layout", fmt.Sprintf("courses.%s.unzip_dir", d.course.ID),
			"unzip_dir must differ from queue_dir")
		return
	}
	if rel, err := filepath.Rel(q, u); err == nil && !strings.HasPrefix(rel, "..") {
		d.addWarning(r, "layout", fmt.Sprintf("courses.%s.unzip_dir", d.course.ID),
			"unzip_dir is inside queue_dir; workspace directories will show up in queue listings")
	}
}

func (d *Doctor) validateAgent(r *Result) {
	d.checkExecutable(r, "agent", fmt.Sprintf("courses.%s.agent", d.course.ID), d.course.Agent)
}

func (d *Doctor) validateDownloader(r *Result) {
	if d.course.Downloader == "" {
		return
	}
	d.checkExecutable(r, "downloader", fmt.Sprintf("courses.%s.downloader", d.course.ID), d.course.Downloader)
}

// checkExecutable only warns: a missing agent is reported per job as a
// start failure, and the marker files tell the student what happened.
func (d *Doctor) checkExecutable(r *Result, category, field, path string) {
	info, err := os.Stat(path)
	if err != nil {
		d.addWarning(r, category, field, fmt.Sprintf("%s not found: %v", path, err))
		return
	}
	if info.IsDir() {
		d.addWarning(r, category, field, fmt.Sprintf("%s is a directory", path))
		return
	}
	if info.Mode().Perm()&0o111 == 0 {
		d.addWarning(r, category, field, fmt.Sprintf("%s is not executable", path))
	}
}

func (d *Doctor) validateUpload(r *Result) {
	up := d.course.Upload
	field := fmt.Sprintf("courses.%s.upload", d.course.ID)
	switch up.Kind {
	case config.UploadNone, "":
		d.addWarning(r, "upload", field+".kind", "results are not uploaded anywhere (kind: none)")
	case config.UploadExec:
		if len(up.Command) == 0 {
			d.addError(r, "upload", field+".command", "command is required for kind exec")
			return
		}
		cmd := up.Command[0]
		if filepath.IsAbs(cmd) {
			d.checkExecutable(r, "upload", field+".command", cmd)
		} else if _, err := exec.LookPath(cmd); err != nil {
			d.addWarning(r, "upload", field+".command", fmt.Sprintf("%s not found in PATH", cmd))
		}
	case config.UploadS3:
		if up.S3.Bucket == "" {
			d.addError(r, "upload", field+".s3.bucket", "bucket is required for kind s3")
		}
		if up.S3.Endpoint != "" && !up.S3.PathStyle {
			d.addWarning(r, "upload", field+".s3.path_style",
				"custom endpoint without path_style; most S3-compatible stores need it")
		}
	default:
		d.addError(r, "upload", field+".kind", fmt.Sprintf("unknown upload kind %q", up.Kind))
	}
}

// validateFilesystems flags network mounts. The history database needs local
// locking; the queue directory only degrades, since inotify misses writes made
// on other hosts.
func (d *Doctor) validateFilesystems(r *Result) {
	if err := d.fsCheck(d.course.QueueDir, "queue"); err != nil {
		var remote *storage.RemoteFilesystemError
		if errors.As(err, &remote) {
			d.addWarning(r, "filesystem", fmt.Sprintf("courses.%s.queue_dir", d.course.ID),
				fmt.Sprintf("%v; use watch.backend fsnotify or submit from this host", err))
		}
	}
	if d.cfg == nil {
		return
	}
	if err := d.fsCheck(d.cfg.State.Path, "state"); err != nil {
		var remote *storage.RemoteFilesystemError
		if errors.As(err, &remote) {
			d.addError(r, "filesystem", "state.path", err.Error())
		}
	}
}

func (d *Doctor) warnSupervisorLimits(r *Result) {
	if d.cfg == nil {
		return
	}
	sv := d.cfg.Supervisor
	if sv.PollInterval > sv.MaxRuntime {
		d.addWarning(r, "supervisor", "supervisor.poll_interval",
			fmt.Sprintf("poll_interval %s exceeds max_runtime %s", sv.PollInterval, sv.MaxRuntime))
	}
	if d.course.Downloader != "" && d.course.DownloaderTimeout == 0 {
		d.addWarning(r, "supervisor", fmt.Sprintf("courses.%s.downloader_timeout", d.course.ID),
			"downloader has no timeout; a hung downloader blocks the queue")
	}
}

// warnOpenAPI flags a status API reachable off-host without tokens. Job
// listings carry student bundle names.
func (d *Doctor) warnOpenAPI(r *Result) {
	if d.cfg == nil || !d.cfg.API.Enabled || len(d.cfg.API.Tokens) > 0 {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return
	}
	d.addWarning(r, "api", "api.tokens",
		fmt.Sprintf("API listens on %s without tokens; anyone who can reach it can read job history", d.cfg.API.Listen))
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	name := "Course"
	if r.Course != "" {
		name = fmt.Sprintf("Course %s", r.Course)
	}

	switch {
	case r.Valid && len(r.Warnings) == 0:
		fmt.Fprintf(&b, "%s ready.\n", name)
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "%s ready (%d warning(s))\n", name, len(r.Warnings))
	default:
		fmt.Fprintf(&b, "%s not ready (%d error(s), %d warning(s))\n", name, len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
	} else {
		fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
