// Package queue buffers watcher events between detection and ingestion.
// One pending entry per path (newest event wins, highest priority
// sticks), drained in priority-then-arrival order on a ticker, processed
// by a bounded worker pool with exponential-backoff retries.
package queue

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonhardwick-spec/specmem-sub019/internal/config"
	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/watcher"
)

// Priority orders pending changes. Deletes outrank content changes so
// stale memories leave the store before new ones arrive.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// PriorityFor maps an event kind to its default priority.
func PriorityFor(kind watcher.Kind) Priority {
	switch kind {
	case watcher.KindUnlink, watcher.KindUnlinkDir:
		return PriorityHigh
	case watcher.KindAddDir:
		return PriorityLow
	}
	return PriorityNormal
}

// Change is one pending unit of work.
type Change struct {
	Event    watcher.Event
	Priority Priority
	Retries  int
	seq      uint64
}

// Handler processes one change. A returned error schedules a retry until
// the attempt budget runs out.
type Handler func(ctx context.Context, ev watcher.Event) error

// Stats is a point-in-time queue snapshot.
type Stats struct {
	Queued            int           `json:"queued"`
	Processed         int64         `json:"processed"`
	Failed            int64         `json:"failed"`
	Retried           int64         `json:"retried"`
	Deduplicated      int64         `json:"deduplicated"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
}

// Queue is the change queue.
type Queue struct {
	cfg     config.QueueConfig
	handler Handler

	mu      sync.Mutex
	pending map[string]*Change
	seq     uint64
	timers  map[*time.Timer]struct{}
	stopped bool

	processed    int64
	failed       int64
	retried      int64
	deduplicated int64
	totalTime    time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a queue; Start begins draining.
func New(cfg config.QueueConfig, handler Handler) *Queue {
	if cfg.ProcessingIntervalMs <= 0 {
		cfg.ProcessingIntervalMs = 500
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayMs <= 0 {
		cfg.RetryDelayMs = 1000
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10000
	}
	return &Queue{
		cfg:     cfg,
		handler: handler,
		pending: make(map[string]*Change),
		timers:  make(map[*time.Timer]struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Enqueue adds an event. A pending entry for the same path is replaced by
// the newer event, keeping the higher priority. A full queue rejects the
// event rather than blocking the watcher.
func (q *Queue) Enqueue(ev watcher.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return specerrors.New(specerrors.KindCancelled, "queue is stopped")
	}

	prio := PriorityFor(ev.Kind)
	if existing, ok := q.pending[ev.Path]; ok {
		q.deduplicated++
		if existing.Priority > prio {
			prio = existing.Priority
		}
		existing.Event = ev
		existing.Priority = prio
		return nil
	}

	if len(q.pending) >= q.cfg.MaxQueueSize {
		slog.Warn("change_queue_full",
			slog.String("path", ev.Path), slog.Int("size", len(q.pending)))
		return specerrors.Newf(specerrors.KindQueueFull,
			"change queue is full (%d entries)", len(q.pending))
	}

	q.seq++
	q.pending[ev.Path] = &Change{Event: ev, Priority: prio, seq: q.seq}
	return nil
}

// Start launches the drain loop. It runs until Stop or context cancel.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		defer close(q.doneCh)
		ticker := time.NewTicker(time.Duration(q.cfg.ProcessingIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case <-ticker.C:
				q.drain(ctx)
			}
		}
	}()
}

// drain takes one batch in priority-then-arrival order and processes it
// with bounded concurrency.
func (q *Queue) drain(ctx context.Context) {
	batch := q.takeBatch()
	if len(batch) == 0 {
		return
	}

	sem := make(chan struct{}, q.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, ch := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(ch *Change) {
			defer wg.Done()
			defer func() { <-sem }()
			q.process(ctx, ch)
		}(ch)
	}
	wg.Wait()
}

func (q *Queue) takeBatch() []*Change {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]*Change, 0, len(q.pending))
	for _, ch := range q.pending {
		batch = append(batch, ch)
	}
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].seq < batch[j].seq
	})
	if len(batch) > q.cfg.BatchSize {
		batch = batch[:q.cfg.BatchSize]
	}
	for _, ch := range batch {
		delete(q.pending, ch.Event.Path)
	}
	return batch
}

func (q *Queue) process(ctx context.Context, ch *Change) {
	start := time.Now()
	err := q.handler(ctx, ch.Event)
	elapsed := time.Since(start)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		q.processed++
		q.totalTime += elapsed
		return
	}

	if ch.Retries >= q.cfg.MaxRetries {
		q.failed++
		slog.Error("change_processing_failed",
			slog.String("path", ch.Event.Path),
			slog.String("kind", string(ch.Event.Kind)),
			slog.Int("retries", ch.Retries),
			slog.String("error", err.Error()))
		return
	}

	ch.Retries++
	// Retries outrank fresh arrivals at the same original priority.
	ch.Priority++
	q.retried++
	delay := time.Duration(float64(q.cfg.RetryDelayMs)*
		math.Pow(q.cfg.BackoffMultiplier, float64(ch.Retries-1))) * time.Millisecond
	slog.Warn("change_processing_retry",
		slog.String("path", ch.Event.Path),
		slog.Int("attempt", ch.Retries),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()))

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		if q.stopped {
			q.mu.Unlock()
			return
		}
		// A newer event for the path supersedes the retry.
		if _, ok := q.pending[ch.Event.Path]; !ok {
			q.seq++
			ch.seq = q.seq
			q.pending[ch.Event.Path] = ch
		}
		q.mu.Unlock()
	})
	q.timers[timer] = struct{}{}
}

// Stop shuts the queue down. With flush, the current backlog is drained
// first; pending retry timers are always cancelled.
func (q *Queue) Stop(ctx context.Context, flush bool) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
	q.mu.Unlock()

	close(q.stopCh)
	<-q.doneCh

	if flush {
		for {
			q.mu.Lock()
			remaining := len(q.pending)
			q.mu.Unlock()
			if remaining == 0 || ctx.Err() != nil {
				break
			}
			q.drain(ctx)
		}
	}

	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	slog.Info("change_queue_stopped", slog.Bool("flushed", flush))
}

// Stats snapshots the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Queued:       len(q.pending),
		Processed:    q.processed,
		Failed:       q.failed,
		Retried:      q.retried,
		Deduplicated: q.deduplicated,
	}
	if q.processed > 0 {
		s.AvgProcessingTime = q.totalTime / time.Duration(q.processed)
	}
	return s
}
