package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonhardwick-spec/specmem-sub019/internal/config"
	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/watcher"
)

type recorder struct {
	mu    sync.Mutex
	seen  []watcher.Event
	fails map[string]int
}

func newRecorder() *recorder {
	return &recorder{fails: make(map[string]int)}
}

// failTimes makes the first n attempts for a path fail.
func (r *recorder) failTimes(path string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails[path] = n
}

func (r *recorder) handle(_ context.Context, ev watcher.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.fails[ev.Path]; n > 0 {
		r.fails[ev.Path] = n - 1
		return specerrors.New(specerrors.KindStoreTimeout, "transient failure")
	}
	r.seen = append(r.seen, ev)
	return nil
}

func (r *recorder) events() []watcher.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]watcher.Event(nil), r.seen...)
}

func (r *recorder) waitFor(t *testing.T, n int, within time.Duration) []watcher.Event {
	t.Helper()
	deadline := time.After(within)
	for {
		if evs := r.events(); len(evs) >= n {
			return evs
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d processed events, have %d", n, len(r.events()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func fastConfig() config.QueueConfig {
	return config.QueueConfig{
		ProcessingIntervalMs: 20,
		BatchSize:            100,
		Concurrency:          4,
		MaxRetries:           3,
		RetryDelayMs:         10,
		BackoffMultiplier:    2.0,
		MaxQueueSize:         100,
	}
}

func ev(path string, kind watcher.Kind) watcher.Event {
	return watcher.Event{Path: path, Kind: kind, Timestamp: time.Now().UTC()}
}

func TestDedupCollapsesBursts(t *testing.T) {
	r := newRecorder()
	q := New(fastConfig(), r.handle)

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(ev("src/main.go", watcher.KindChange)))
	}
	stats := q.Stats()
	assert.Equal(t, 1, stats.Queued, "one pending entry per path")
	assert.Equal(t, int64(9), stats.Deduplicated)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	evs := r.waitFor(t, 1, 2*time.Second)
	assert.Len(t, evs, 1, "a burst processes once")
}

func TestDedupKeepsNewestEventAndHighestPriority(t *testing.T) {
	r := newRecorder()
	q := New(fastConfig(), r.handle)

	require.NoError(t, q.Enqueue(ev("gone.go", watcher.KindUnlink)))
	require.NoError(t, q.Enqueue(ev("gone.go", watcher.KindChange)))

	q.mu.Lock()
	pending := q.pending["gone.go"]
	q.mu.Unlock()
	assert.Equal(t, watcher.KindChange, pending.Event.Kind, "newest event wins")
	assert.Equal(t, PriorityHigh, pending.Priority, "highest priority sticks")
}

func TestPriorityOrdering(t *testing.T) {
	r := newRecorder()
	q := New(fastConfig(), r.handle)

	require.NoError(t, q.Enqueue(ev("a.go", watcher.KindChange)))
	require.NoError(t, q.Enqueue(ev("b.go", watcher.KindUnlink)))
	require.NoError(t, q.Enqueue(ev("c.go", watcher.KindChange)))

	batch := q.takeBatch()
	require.Len(t, batch, 3)
	assert.Equal(t, "b.go", batch[0].Event.Path, "unlinks drain first")
	assert.Equal(t, "a.go", batch[1].Event.Path, "then arrival order")
	assert.Equal(t, "c.go", batch[2].Event.Path)
}

func TestRetryThenSuccess(t *testing.T) {
	r := newRecorder()
	q := New(fastConfig(), r.handle)
	r.failTimes("flaky.go", 2)

	require.NoError(t, q.Enqueue(ev("flaky.go", watcher.KindAdd)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	evs := r.waitFor(t, 1, 3*time.Second)
	assert.Equal(t, "flaky.go", evs[0].Path)

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(2), stats.Retried)
	assert.Zero(t, stats.Failed)
}

func TestRetryOutranksFreshArrivals(t *testing.T) {
	r := newRecorder()
	q := New(fastConfig(), r.handle)
	r.failTimes("flaky.go", 1)

	require.NoError(t, q.Enqueue(ev("flaky.go", watcher.KindChange)))
	batch := q.takeBatch()
	require.Len(t, batch, 1)
	q.process(context.Background(), batch[0])

	// The retry timer reparks the change with a bumped priority.
	deadline := time.After(time.Second)
	for {
		q.mu.Lock()
		pending, ok := q.pending["flaky.go"]
		q.mu.Unlock()
		if ok {
			assert.Equal(t, PriorityNormal+1, pending.Priority)
			break
		}
		select {
		case <-deadline:
			t.Fatal("retry never re-entered the queue")
		case <-time.After(5 * time.Millisecond):
		}
	}

	require.NoError(t, q.Enqueue(ev("fresh.go", watcher.KindChange)))
	batch = q.takeBatch()
	require.Len(t, batch, 2)
	assert.Equal(t, "flaky.go", batch[0].Event.Path, "the retry drains first")
}

func TestRetriesExhaust(t *testing.T) {
	r := newRecorder()
	q := New(fastConfig(), r.handle)
	r.failTimes("broken.go", 100)

	require.NoError(t, q.Enqueue(ev("broken.go", watcher.KindAdd)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	deadline := time.After(3 * time.Second)
	for {
		if q.Stats().Failed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("change never marked failed: %+v", q.Stats())
		case <-time.After(10 * time.Millisecond):
		}
	}
	stats := q.Stats()
	assert.Equal(t, int64(3), stats.Retried, "one try plus three retries")
	assert.Zero(t, stats.Processed)
}

func TestQueueFullRejects(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxQueueSize = 2
	q := New(cfg, newRecorder().handle)

	require.NoError(t, q.Enqueue(ev("a.go", watcher.KindAdd)))
	require.NoError(t, q.Enqueue(ev("b.go", watcher.KindAdd)))
	err := q.Enqueue(ev("c.go", watcher.KindAdd))
	assert.True(t, specerrors.IsKind(err, specerrors.KindQueueFull))

	// A duplicate of a pending path still coalesces when full.
	require.NoError(t, q.Enqueue(ev("a.go", watcher.KindChange)))
}

func TestStopFlushDrainsBacklog(t *testing.T) {
	r := newRecorder()
	cfg := fastConfig()
	cfg.ProcessingIntervalMs = 60_000 // ticker never fires during the test
	q := New(cfg, r.handle)

	require.NoError(t, q.Enqueue(ev("a.go", watcher.KindAdd)))
	require.NoError(t, q.Enqueue(ev("b.go", watcher.KindAdd)))

	ctx := context.Background()
	q.Start(ctx)
	q.Stop(ctx, true)

	assert.Len(t, r.events(), 2, "flush processed the backlog")
	assert.Equal(t, 0, q.Stats().Queued)

	err := q.Enqueue(ev("late.go", watcher.KindAdd))
	assert.Error(t, err, "stopped queue rejects new work")
}

func TestAvgProcessingTime(t *testing.T) {
	r := newRecorder()
	q := New(fastConfig(), r.handle)
	require.NoError(t, q.Enqueue(ev("a.go", watcher.KindAdd)))

	ctx := context.Background()
	q.Start(ctx)
	q.Stop(ctx, true)

	stats := q.Stats()
	require.Equal(t, int64(1), stats.Processed)
	assert.GreaterOrEqual(t, stats.AvgProcessingTime, time.Duration(0))
}
