package mcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonhardwick-spec/specmem-sub019/internal/queue"
	"github.com/jonhardwick-spec/specmem-sub019/internal/watcher"
)

// stopFlushTimeout bounds how long stop_watching waits for the queue to
// drain its backlog.
const stopFlushTimeout = 30 * time.Second

// handleStartWatching starts the watch pipeline: watcher events flow
// through the change queue into the ingestor.
func (s *Server) handleStartWatching(ctx context.Context, _ *mcp.CallToolRequest, in StartWatchingInput) (
	*mcp.CallToolResult,
	StartWatchingOutput,
	error,
) {
	scanned, already, err := s.StartWatching(ctx, in.Paths, in.ScanExisting)
	if err != nil {
		return nil, StartWatchingOutput{}, MapError(err)
	}
	if already {
		return nil, StartWatchingOutput{Watching: true, AlreadyWatching: true}, nil
	}
	return nil, StartWatchingOutput{Watching: true, ScannedFiles: scanned}, nil
}

// StartWatching starts the watch pipeline if it is not already running.
// It returns how many existing files the initial scan queued, and whether
// a session was already active.
func (s *Server) StartWatching(ctx context.Context, extraPaths []string, scanExisting bool) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watch != nil {
		return 0, true, nil
	}

	wcfg := s.cfg.Watcher
	wcfg.AdditionalPaths = append(append([]string{}, wcfg.AdditionalPaths...), extraPaths...)
	w, err := watcher.New(s.cfg.ProjectPath, wcfg)
	if err != nil {
		return 0, false, err
	}

	q := queue.New(s.cfg.Queue, func(ctx context.Context, ev watcher.Event) error {
		return s.ingestor.HandleEvent(ctx, ev)
	})

	// The session outlives the tool call; it stops via stop_watching or
	// server close, not the request context.
	wctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(wctx); err != nil {
		cancel()
		return 0, false, err
	}
	q.Start(wctx)

	go func() {
		for ev := range w.Events() {
			if err := q.Enqueue(ev); err != nil {
				slog.Warn("change_enqueue_failed",
					slog.String("path", ev.Path),
					slog.String("error", err.Error()))
			}
		}
	}()
	go func() {
		for err := range w.Errors() {
			slog.Warn("watcher_error", slog.String("error", err.Error()))
		}
	}()

	scanned := 0
	if scanExisting {
		if scanned, err = w.ScanExisting(ctx); err != nil {
			slog.Warn("initial_scan_failed", slog.String("error", err.Error()))
		}
	}

	s.watch = w
	s.changes = q
	s.watchCancel = cancel

	slog.Info("watching_started",
		slog.String("project", s.cfg.ProjectPath),
		slog.Int("scanned_files", scanned))
	return scanned, false, nil
}

// handleStopWatching stops the watcher and flushes the queue.
func (s *Server) handleStopWatching(ctx context.Context, _ *mcp.CallToolRequest, _ StopWatchingInput) (
	*mcp.CallToolResult,
	StopWatchingOutput,
	error,
) {
	stats := s.stopWatchSession(ctx)
	if stats == nil {
		return nil, StopWatchingOutput{Watching: false}, nil
	}
	return nil, StopWatchingOutput{Watching: false, Stats: stats}, nil
}

// stopWatchSession tears down the watch pipeline if one is running and
// returns the queue counters, or nil when nothing was running.
func (s *Server) stopWatchSession(ctx context.Context) *queue.Stats {
	s.mu.Lock()
	w, q, cancel := s.watch, s.changes, s.watchCancel
	s.watch, s.changes, s.watchCancel = nil, nil, nil
	s.mu.Unlock()

	if w == nil {
		return nil
	}

	// Stop the watcher first so no new events arrive, then drain what is
	// already queued.
	if err := w.Stop(); err != nil {
		slog.Warn("watcher_stop_failed", slog.String("error", err.Error()))
	}
	fctx, fcancel := context.WithTimeout(ctx, stopFlushTimeout)
	q.Stop(fctx, true)
	fcancel()
	cancel()

	stats := q.Stats()
	slog.Info("watching_stopped",
		slog.Int64("processed", stats.Processed),
		slog.Int64("failed", stats.Failed))
	return &stats
}

// handleCheckSync runs a drift check and reports store health.
func (s *Server) handleCheckSync(ctx context.Context, _ *mcp.CallToolRequest, _ CheckSyncInput) (
	*mcp.CallToolResult,
	CheckSyncOutput,
	error,
) {
	report, err := s.checker.Check(ctx)
	if err != nil {
		return nil, CheckSyncOutput{}, MapError(err)
	}

	status := "unknown"
	if h, err := s.checker.GetHealth(); err == nil {
		status = h.Status
	}
	return nil, CheckSyncOutput{Report: report, Status: status}, nil
}

// handleForceResync repairs drift and reports the resulting score.
func (s *Server) handleForceResync(ctx context.Context, _ *mcp.CallToolRequest, _ ForceResyncInput) (
	*mcp.CallToolResult,
	ForceResyncOutput,
	error,
) {
	id := requestID()
	report, err := s.checker.Check(ctx)
	if err != nil {
		return nil, ForceResyncOutput{}, MapError(err)
	}

	stats, err := s.checker.Resync(ctx, report)
	if err != nil {
		// Partial stats still went through; surface the deadline.
		slog.Warn("resync_incomplete",
			slog.String("request_id", id),
			slog.String("error", err.Error()))
		return nil, ForceResyncOutput{Stats: stats}, MapError(err)
	}

	score := report.SyncScore
	if after, err := s.checker.Check(ctx); err == nil {
		score = after.SyncScore
	}
	return nil, ForceResyncOutput{Stats: stats, SyncScore: score}, nil
}
