// Package queue turns bundles landing in a course's queue directory into
// calls to a Handler, one at a time.
//
// A Watcher is built around a Source that is opened before anything else
// runs. Recover then drains the bundles already present, and Run serves live
// arrivals. Arrivals during recovery are buffered by the Source. Every
// dispatch first checks the bundle still exists, so a bundle that was both
// listed by recovery and announced by the Source is handled once.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/mattjoyce/gradeq/internal/events"
	"github.com/mattjoyce/gradeq/internal/telemetry"
)

// ErrSourceClosed is returned by Run when the Source stops delivering.
var ErrSourceClosed = errors.New("queue notification source closed")

// Handler processes the bundle dir/name. It must consume the bundle
// (remove it from dir) unless processing was interrupted.
type Handler func(ctx context.Context, dir, name string)

// Watcher dispatches queue entries to a Handler serially.
type Watcher struct {
	course string
	dir    string
	source Source
	handle Handler
	events events.Publisher
	logger *slog.Logger
}

func NewWatcher(course, dir string, source Source, handle Handler, pub events.Publisher, logger *slog.Logger) *Watcher {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Watcher{
		course: course,
		dir:    dir,
		source: source,
		handle: handle,
		events: pub,
		logger: logger,
	}
}

// Recover handles every bundle present in the queue directory, in listing
// order. It returns how many were dispatched.
func (w *Watcher) Recover(ctx context.Context) (int, error) {
	names, err := w.pending()
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		w.logger.Info("no stale jobs in queue")
		return 0, nil
	}

	w.logger.Info("recovering stale jobs", "count", len(names))
	w.events.Publish(events.RecoveryStarted, events.RecoveryData{Course: w.course, Pending: len(names)})
	telemetry.RecoveredJobs.WithLabelValues(w.course).Add(float64(len(names)))

	n := w.drain(ctx, names)

	w.events.Publish(events.RecoveryFinished, events.RecoveryData{Course: w.course, Pending: len(names) - n})
	w.logger.Info("stale job recovery finished", "processed", n)
	return n, ctx.Err()
}

// Run serves Source events until ctx is cancelled or the Source closes.
func (w *Watcher) Run(ctx context.Context) error {
	w.waiting()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.source.Events():
			if !ok {
				return ErrSourceClosed
			}
			if ev.Overflow {
				w.rescan(ctx)
			} else {
				w.dispatch(ctx, ev.Name)
			}
			if ctx.Err() != nil {
				return nil
			}
			w.waiting()
		}
	}
}

func (w *Watcher) waiting() {
	w.logger.Info("waiting for next job", "queue", w.dir)
	w.events.Publish(events.QueueIdle, events.QueueIdleData{Course: w.course})
}

// rescan recovers from lost notifications by draining the whole directory.
func (w *Watcher) rescan(ctx context.Context) {
	w.logger.Warn("notification queue overflowed, rescanning queue directory")
	names, err := w.pending()
	if err != nil {
		w.logger.Error("rescan failed", "error", err)
		return
	}
	w.drain(ctx, names)
}

func (w *Watcher) drain(ctx context.Context, names []string) int {
	n := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if w.dispatch(ctx, name) {
			n++
		}
	}
	return n
}

// pending lists candidate bundles in directory order.
func (w *Watcher) pending() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("list queue directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && IsJobName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// dispatch hands one bundle to the handler if it is still there. It reports
// whether the handler ran.
func (w *Watcher) dispatch(ctx context.Context, name string) bool {
	if !IsJobName(name) {
		w.logger.Debug("ignoring hidden queue entry", "name", name)
		return false
	}
	info, err := os.Stat(filepath.Join(w.dir, name))
	if err != nil {
		w.logger.Debug("bundle no longer in queue, skipping", "name", name, "error", err)
		return false
	}
	if !info.Mode().IsRegular() {
		w.logger.Debug("ignoring non-regular queue entry", "name", name)
		return false
	}

	w.logger.Info("dispatching job", "name", name)
	w.safeHandle(ctx, name)
	return true
}

func (w *Watcher) safeHandle(ctx context.Context, name string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panicked", "name", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	w.handle(ctx, w.dir, name)
}

// Depth counts the bundles currently waiting in the queue directory.
func (w *Watcher) Depth() (int, error) {
	names, err := w.pending()
	return len(names), err
}
