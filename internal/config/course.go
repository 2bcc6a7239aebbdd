package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"
)

// Course is a course layout with every path resolved to an absolute path.
// It is built once at startup and shared by reference with the components
// that serve that course.
type Course struct {
	ID                 string
	Root               string
	QueueDir           string
	UnzipDir           string
	Downloader         string
	DownloaderTimeout  time.Duration
	Agent              string
	WorkspaceRetention time.Duration
	Upload             UploadConfig
}

// Course resolves the course named id.
func (c *Config) Course(id string) (*Course, error) {
	if id == "" {
		return nil, fmt.Errorf("course id is required")
	}
	cc, ok := c.Courses[id]
	if !ok {
		return nil, fmt.Errorf("unknown course %q (configured: %v)", id, c.CourseIDs())
	}

	root, err := filepath.Abs(cc.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve course root %q: %w", cc.Root, err)
	}

	upload := cc.Upload
	if len(upload.Command) > 0 {
		upload.Command = append([]string{resolveUnder(root, upload.Command[0])}, upload.Command[1:]...)
	}

	return &Course{
		ID:                 id,
		Root:               root,
		QueueDir:           resolveUnder(root, cc.QueueDir),
		UnzipDir:           resolveUnder(root, cc.UnzipDir),
		Downloader:         resolveUnder(root, cc.Downloader),
		DownloaderTimeout:  cc.DownloaderTimeout,
		Agent:              resolveUnder(root, cc.Agent),
		WorkspaceRetention: cc.WorkspaceRetention,
		Upload:             upload,
	}, nil
}

// CourseIDs lists configured course identifiers in sorted order.
func (c *Config) CourseIDs() []string {
	ids := make([]string, 0, len(c.Courses))
	for id := range c.Courses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RequiredDirs lists the directories that must exist before the queue
// manager may start.
func (c *Course) RequiredDirs() []string {
	return []string{c.Root, c.QueueDir, c.UnzipDir}
}

// LockPath is where the single-instance PID lock for this course lives.
func (c *Course) LockPath() string {
	return filepath.Join(c.Root, ".gradeq.lock")
}

func resolveUnder(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
