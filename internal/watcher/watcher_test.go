package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonhardwick-spec/specmem-sub019/internal/config"
)

type capture struct {
	mu     sync.Mutex
	events []Event
}

func (c *capture) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capture) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *capture) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if evs := c.snapshot(); len(evs) >= n {
			return evs
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, have %d", n, len(c.snapshot()))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDebounceCoalescesAddChange(t *testing.T) {
	var c capture
	d := newDebouncer(30*time.Millisecond, c.emit)

	d.add(Event{Path: "a.go", Kind: KindAdd})
	d.add(Event{Path: "a.go", Kind: KindChange})

	evs := c.waitFor(t, 1)
	assert.Equal(t, KindAdd, evs[0].Kind, "a changed new file is still new")
}

func TestDebounceCancelsAddUnlink(t *testing.T) {
	var c capture
	d := newDebouncer(30*time.Millisecond, c.emit)

	d.add(Event{Path: "a.go", Kind: KindAdd})
	d.add(Event{Path: "a.go", Kind: KindUnlink})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, c.snapshot(), "create then delete never existed")
}

func TestDebounceChangeUnlink(t *testing.T) {
	var c capture
	d := newDebouncer(30*time.Millisecond, c.emit)

	d.add(Event{Path: "a.go", Kind: KindChange})
	d.add(Event{Path: "a.go", Kind: KindUnlink})

	evs := c.waitFor(t, 1)
	assert.Equal(t, KindUnlink, evs[0].Kind)
}

func TestDebounceUnlinkAddBecomesChange(t *testing.T) {
	var c capture
	d := newDebouncer(30*time.Millisecond, c.emit)

	d.add(Event{Path: "a.go", Kind: KindUnlink})
	d.add(Event{Path: "a.go", Kind: KindAdd})

	evs := c.waitFor(t, 1)
	assert.Equal(t, KindChange, evs[0].Kind, "a replaced file is a modification")
}

func TestDebouncePathsIndependent(t *testing.T) {
	var c capture
	d := newDebouncer(30*time.Millisecond, c.emit)

	d.add(Event{Path: "a.go", Kind: KindAdd})
	d.add(Event{Path: "b.go", Kind: KindChange})

	evs := c.waitFor(t, 2)
	paths := []string{evs[0].Path, evs[1].Path}
	sort.Strings(paths)
	assert.Equal(t, []string{"a.go", "b.go"}, paths)
}

func TestDebounceStopDropsPending(t *testing.T) {
	var c capture
	d := newDebouncer(50*time.Millisecond, c.emit)

	d.add(Event{Path: "a.go", Kind: KindAdd})
	d.stop()
	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := New(dir, config.WatcherConfig{DebounceMs: 30})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	return w, dir
}

func collect(w *Watcher) *capture {
	c := &capture{}
	go func() {
		for ev := range w.Events() {
			c.emit(ev)
		}
	}()
	return c
}

func TestWatcherSeesNewFile(t *testing.T) {
	w, dir := newTestWatcher(t)
	require.NoError(t, w.Start(context.Background()))
	c := collect(w)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "handler.go"), []byte("package x\n"), 0o644))

	evs := c.waitFor(t, 1)
	assert.Equal(t, "handler.go", evs[0].Path)
	assert.Contains(t, []Kind{KindAdd, KindChange}, evs[0].Kind)
}

func TestWatcherSeesUnlink(t *testing.T) {
	w, dir := newTestWatcher(t)
	path := filepath.Join(dir, "gone.go")
	require.NoError(t, os.WriteFile(path, []byte("package x\n"), 0o644))

	require.NoError(t, w.Start(context.Background()))
	c := collect(w)

	require.NoError(t, os.Remove(path))

	evs := c.waitFor(t, 1)
	assert.Equal(t, "gone.go", evs[0].Path)
	assert.Equal(t, KindUnlink, evs[0].Kind)
}

func TestWatcherIgnoresNoise(t *testing.T) {
	w, dir := newTestWatcher(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755))
	require.NoError(t, w.Start(context.Background()))
	c := collect(w)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "pkg.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.log"), []byte("x"), 0o644))

	time.Sleep(300 * time.Millisecond)
	for _, ev := range c.snapshot() {
		assert.NotContains(t, ev.Path, "node_modules")
		assert.NotEqual(t, "app.log", ev.Path)
	}
}

func TestScanExisting(t *testing.T) {
	w, dir := newTestWatcher(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.go"), []byte("package b\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0o644))

	c := collect(w)
	count, err := w.ScanExisting(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count, "ignored paths stay out of the scan")

	evs := c.waitFor(t, 2)
	paths := make([]string, len(evs))
	for i, ev := range evs {
		paths[i] = ev.Path
		assert.Equal(t, KindAdd, ev.Kind)
	}
	sort.Strings(paths)
	assert.Equal(t, []string{"a.go", "sub/b.go"}, paths)
}

func TestStopIdempotent(t *testing.T) {
	w, _ := newTestWatcher(t)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	assert.False(t, w.Running())
}
