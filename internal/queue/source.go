package queue

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Event is one notification from a Source. Overflow means the source lost
// track of individual arrivals and the directory must be rescanned.
type Event struct {
	Name     string
	Overflow bool
}

// Source delivers the names of files that finished arriving in the queue
// directory. Events that happen after the source is opened are buffered until
// read, so a source opened before recovery loses nothing.
type Source interface {
	Events() <-chan Event
	Close() error
}

const (
	BackendInotify  = "inotify"
	BackendFsnotify = "fsnotify"

	eventBuffer = 256
)

// Open starts watching dir with the named backend. Where inotify is not
// available the fsnotify backend is used instead.
func Open(backend, dir string, settle time.Duration, logger *slog.Logger) (Source, error) {
	switch backend {
	case BackendInotify, "":
		if inotifySupported {
			return openInotify(dir, logger)
		}
		logger.Warn("inotify is not available on this platform, using fsnotify")
		return openFsnotify(dir, settle, logger)
	case BackendFsnotify:
		return openFsnotify(dir, settle, logger)
	default:
		return nil, fmt.Errorf("unknown watch backend %q", backend)
	}
}

// IsJobName reports whether a queue directory entry can be a bundle. Hidden
// entries are submissions still being copied in.
func IsJobName(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".")
}
