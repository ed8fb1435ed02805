package syncer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/watcher"
)

// retryPause is how long a transiently failed file waits before its one
// retry.
const retryPause = 2 * time.Second

// ResyncStats summarizes one repair run.
type ResyncStats struct {
	Added   int64 `json:"added"`
	Updated int64 `json:"updated"`
	Removed int64 `json:"removed"`
	Failed  int64 `json:"failed"`
	// Partial is set when the run hit its deadline with work remaining.
	Partial bool `json:"partial"`
}

// Resync repairs the drift in a report through three phases: index files
// missing from the store, refresh mismatched content, then mark deleted
// files. Files are processed in parallel with a per-file timeout; a
// transient failure gets one delayed retry. Hitting the overall deadline
// returns the partial stats with a deadline error — the run is resumable
// because every phase is idempotent against a fresh Check.
func (c *Checker) Resync(ctx context.Context, r *Report) (*ResyncStats, error) {
	deadline := time.Duration(c.cfg.ResyncTimeoutMs) * time.Millisecond
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	stats := &ResyncStats{}
	phases := []struct {
		name    string
		paths   []string
		kind    watcher.Kind
		counter *int64
	}{
		{"add", r.MissingFromStore, watcher.KindAdd, &stats.Added},
		{"update", r.ContentMismatch, watcher.KindChange, &stats.Updated},
		{"remove", r.MissingFromDisk, watcher.KindUnlink, &stats.Removed},
	}

	for _, phase := range phases {
		if err := c.runPhase(ctx, phase.paths, phase.kind, phase.counter, &stats.Failed); err != nil {
			stats.Partial = true
			slog.Warn("resync_partial",
				slog.String("phase", phase.name),
				slog.Int64("added", stats.Added),
				slog.Int64("updated", stats.Updated),
				slog.Int64("removed", stats.Removed))
			return stats, err
		}
	}

	slog.Info("resync_complete",
		slog.Int64("added", stats.Added),
		slog.Int64("updated", stats.Updated),
		slog.Int64("removed", stats.Removed),
		slog.Int64("failed", stats.Failed))
	return stats, nil
}

func (c *Checker) runPhase(ctx context.Context, paths []string, kind watcher.Kind, done, failed *int64) error {
	if len(paths) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if err := c.processFile(gctx, path, kind); err != nil {
				atomic.AddInt64(failed, 1)
				slog.Warn("resync_file_failed",
					slog.String("path", path),
					slog.String("kind", string(kind)),
					slog.String("error", err.Error()))
				// Individual file failures never abort the run.
				return nil
			}
			atomic.AddInt64(done, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return specerrors.Wrap(specerrors.KindDeadlineExceeded, "resync deadline exceeded", err)
	}
	return nil
}

// processFile applies one change with a per-file timeout, retrying once
// after a pause when the failure looks transient.
func (c *Checker) processFile(ctx context.Context, path string, kind watcher.Kind) error {
	ev := watcher.Event{Path: path, Kind: kind, Timestamp: time.Now().UTC()}

	attempt := func() error {
		fctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.FileTimeoutMs)*time.Millisecond)
		defer cancel()
		return c.ingestor.HandleEvent(fctx, ev)
	}

	err := attempt()
	if err == nil || !specerrors.IsRetryable(err) {
		return err
	}

	select {
	case <-ctx.Done():
		return specerrors.Wrap(specerrors.KindCancelled, "retry abandoned", ctx.Err())
	case <-time.After(retryPause):
	}
	return attempt()
}
