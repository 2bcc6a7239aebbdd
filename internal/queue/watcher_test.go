package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/gradeq/internal/events"
	"github.com/mattjoyce/gradeq/internal/log"
)

type chanSource struct {
	ch chan Event
}

func newChanSource() *chanSource           { return &chanSource{ch: make(chan Event, 16)} }
func (s *chanSource) Events() <-chan Event { return s.ch }
func (s *chanSource) Close() error         { return nil }

// recorder is a Handler that consumes bundles like the processor does.
type recorder struct {
	mu      sync.Mutex
	handled []string
	before  func(name string)
}

func (r *recorder) handle(_ context.Context, dir, name string) {
	if r.before != nil {
		r.before(name)
	}
	r.mu.Lock()
	r.handled = append(r.handled, name)
	r.mu.Unlock()
	_ = os.Remove(filepath.Join(dir, name))
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.handled...)
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("PK"), 0o644))
}

func runWatcher(t *testing.T, w *Watcher) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("watcher did not stop")
		}
	}
}

func TestRecoverDrainsQueue(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "hw1.zip")
	touch(t, dir, "hw2.zip")
	touch(t, dir, ".hw3.zip.partial")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	hub := events.NewHub(16)
	rec := &recorder{}
	w := NewWatcher("so", dir, newChanSource(), rec.handle, hub, log.Discard())

	n, err := w.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"hw1.zip", "hw2.zip"}, rec.names())
	assert.FileExists(t, filepath.Join(dir, ".hw3.zip.partial"))

	evs := hub.Since(0)
	require.Len(t, evs, 2)
	assert.Equal(t, events.RecoveryStarted, evs[0].Type)
	assert.Equal(t, events.RecoveryFinished, evs[1].Type)
}

func TestRecoverEmptyQueue(t *testing.T) {
	rec := &recorder{}
	w := NewWatcher("so", t.TempDir(), newChanSource(), rec.handle, nil, log.Discard())

	n, err := w.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, rec.names())
}

func TestRecoverMissingDirectory(t *testing.T) {
	w := NewWatcher("so", filepath.Join(t.TempDir(), "nope"), newChanSource(), (&recorder{}).handle, nil, log.Discard())
	_, err := w.Recover(context.Background())
	assert.Error(t, err)
}

func TestRunDispatchesAndSkipsMissing(t *testing.T) {
	dir := t.TempDir()
	src := newChanSource()
	rec := &recorder{}
	hub := events.NewHub(64)
	w := NewWatcher("so", dir, src, rec.handle, hub, log.Discard())
	stop := runWatcher(t, w)

	touch(t, dir, "hw1.zip")
	src.ch <- Event{Name: "hw1.zip"}
	// Duplicate notification for a bundle that is already consumed.
	src.ch <- Event{Name: "hw1.zip"}
	src.ch <- Event{Name: ".hidden"}
	touch(t, dir, "hw2.zip")
	src.ch <- Event{Name: "hw2.zip"}

	// One idle signal on entry plus one per event.
	require.Eventually(t, func() bool { return countIdle(hub) == 5 }, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, []string{"hw1.zip", "hw2.zip"}, rec.names())
}

func countIdle(hub *events.Hub) int {
	n := 0
	for _, ev := range hub.Since(0) {
		if ev.Type == events.QueueIdle {
			n++
		}
	}
	return n
}

func TestRunSurvivesHandlerPanic(t *testing.T) {
	dir := t.TempDir()
	src := newChanSource()
	rec := &recorder{before: func(name string) {
		if name == "bad.zip" {
			panic("boom")
		}
	}}
	w := NewWatcher("so", dir, src, rec.handle, nil, log.Discard())
	stop := runWatcher(t, w)

	touch(t, dir, "bad.zip")
	touch(t, dir, "good.zip")
	src.ch <- Event{Name: "bad.zip"}
	src.ch <- Event{Name: "good.zip"}

	require.Eventually(t, func() bool { return len(rec.names()) == 1 }, 5*time.Second, 10*time.Millisecond)
	stop()
	assert.Equal(t, []string{"good.zip"}, rec.names())
}

func TestRunOverflowRescans(t *testing.T) {
	dir := t.TempDir()
	src := newChanSource()
	rec := &recorder{}
	w := NewWatcher("so", dir, src, rec.handle, nil, log.Discard())
	stop := runWatcher(t, w)

	touch(t, dir, "a.zip")
	touch(t, dir, "b.zip")
	src.ch <- Event{Overflow: true}

	require.Eventually(t, func() bool { return len(rec.names()) == 2 }, 5*time.Second, 10*time.Millisecond)
	stop()
	assert.ElementsMatch(t, []string{"a.zip", "b.zip"}, rec.names())
}

func TestRunSourceClosed(t *testing.T) {
	src := newChanSource()
	close(src.ch)
	w := NewWatcher("so", t.TempDir(), src, (&recorder{}).handle, nil, log.Discard())
	assert.ErrorIs(t, w.Run(context.Background()), ErrSourceClosed)
}

func TestIsJobName(t *testing.T) {
	assert.True(t, IsJobName("hw1.zip"))
	assert.False(t, IsJobName(".hw1.zip.partial"))
	assert.False(t, IsJobName(""))
}

func TestDepth(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.zip")
	touch(t, dir, ".b.zip.partial")
	w := NewWatcher("so", dir, newChanSource(), (&recorder{}).handle, nil, log.Discard())

	n, err := w.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
