package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fsnotifySource approximates close-after-write on platforms without
// inotify: a name is reported once it has seen no Create or Write event for
// the settle period. The events channel is closed once the loop and every
// settle timer that already fired have finished.
type fsnotifySource struct {
	watcher *fsnotify.Watcher
	settle  time.Duration
	events  chan Event
	logger  *slog.Logger

	mu       sync.Mutex
	pending  map[string]*time.Timer
	closed   bool
	emitting sync.WaitGroup

	closing chan struct{}
	stopped chan struct{}
	done    chan struct{}
	once    sync.Once
}

func openFsnotify(dir string, settle time.Duration, logger *slog.Logger) (Source, error) {
	if settle <= 0 {
		settle = 2 * time.Second
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	s := &fsnotifySource{
		watcher: w,
		settle:  settle,
		events:  make(chan Event, eventBuffer),
		logger:  logger,
		pending: make(map[string]*time.Timer),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *fsnotifySource) Events() <-chan Event { return s.events }

func (s *fsnotifySource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closing)
		err = s.watcher.Close()
		<-s.done
	})
	return err
}

func (s *fsnotifySource) loop() {
	defer close(s.done)
	defer s.shutdown()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				s.touch(filepath.Base(ev.Name))
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				s.emit(Event{Overflow: true})
				continue
			}
			s.logger.Error("fsnotify error", "error", err)
		}
	}
}

// shutdown stops pending timers, waits for in-flight emits and closes the
// events channel.
func (s *fsnotifySource) shutdown() {
	close(s.stopped)
	s.mu.Lock()
	s.closed = true
	for _, t := range s.pending {
		t.Stop()
	}
	s.pending = nil
	s.mu.Unlock()

	s.emitting.Wait()
	close(s.events)
}

// touch restarts the settle timer for name.
func (s *fsnotifySource) touch(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.pending[name]; ok {
		t.Reset(s.settle)
		return
	}
	s.pending[name] = time.AfterFunc(s.settle, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		delete(s.pending, name)
		s.emitting.Add(1)
		s.mu.Unlock()

		defer s.emitting.Done()
		s.emit(Event{Name: name})
	})
}

func (s *fsnotifySource) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	case <-s.stopped:
	}
}
