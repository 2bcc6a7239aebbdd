package queue

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const inotifySupported = true

const watchMask = unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO | unix.IN_MOVE_SELF | unix.IN_ONLYDIR

// inotifySource reports IN_CLOSE_WRITE and IN_MOVED_TO for regular files.
// It closes its events channel when the watch on the directory is lost.
type inotifySource struct {
	file    *os.File
	events  chan Event
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func openInotify(dir string, logger *slog.Logger) (Source, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify init: %w", err)
	}
	if _, err := unix.InotifyAddWatch(fd, dir, watchMask); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	// A non-blocking descriptor wrapped by os.NewFile is driven by the
	// runtime poller, so Close unblocks a pending Read.
	s := &inotifySource{
		file:    os.NewFile(uintptr(fd), "inotify:"+dir),
		events:  make(chan Event, eventBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go s.loop()
	return s, nil
}

func (s *inotifySource) Events() <-chan Event { return s.events }

func (s *inotifySource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closing)
		err = s.file.Close()
		<-s.done
	})
	return err
}

func (s *inotifySource) loop() {
	defer close(s.done)
	defer close(s.events)

	buf := make([]byte, 64*(unix.SizeofInotifyEvent+unix.NAME_MAX+1))
	for {
		n, err := s.file.Read(buf)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.EOF) {
				s.logger.Error("inotify read failed", "error", err)
			}
			return
		}
		evs, lost := parseInotify(buf[:n])
		for _, ev := range evs {
			select {
			case s.events <- ev:
			case <-s.closing:
				return
			}
		}
		if lost {
			s.logger.Error("queue directory is no longer watched (removed, moved or unmounted)")
			return
		}
	}
}

// parseInotify decodes a read buffer. lost reports that the kernel dropped
// the watch or the directory moved away from its configured path.
func parseInotify(buf []byte) (out []Event, lost bool) {
	for off := 0; off+unix.SizeofInotifyEvent <= len(buf); {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
		nameStart := off + unix.SizeofInotifyEvent
		nameEnd := nameStart + int(raw.Len)
		if nameEnd > len(buf) {
			break
		}
		off = nameEnd

		switch {
		case raw.Mask&unix.IN_Q_OVERFLOW != 0:
			out = append(out, Event{Overflow: true})
		case raw.Mask&(unix.IN_IGNORED|unix.IN_MOVE_SELF|unix.IN_UNMOUNT) != 0:
			lost = true
		case raw.Mask&unix.IN_ISDIR != 0:
		case raw.Mask&(unix.IN_CLOSE_WRITE|unix.IN_MOVED_TO) != 0:
			name := unix.ByteSliceToString(buf[nameStart:nameEnd])
			if name != "" {
				out = append(out, Event{Name: name})
			}
		}
	}
	return out, lost
}
