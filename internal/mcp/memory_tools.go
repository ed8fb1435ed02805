package mcp

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonhardwick-spec/specmem-sub019/internal/memory"
	"github.com/jonhardwick-spec/specmem-sub019/internal/retrieval"
	"github.com/jonhardwick-spec/specmem-sub019/internal/search"
)

// handleSaveMemory stores a memory and assigns it to a semantic quadrant.
func (s *Server) handleSaveMemory(ctx context.Context, _ *mcp.CallToolRequest, in SaveMemoryInput) (
	*mcp.CallToolResult,
	SaveMemoryOutput,
	error,
) {
	id := requestID()
	if strings.TrimSpace(in.Content) == "" {
		return nil, SaveMemoryOutput{}, NewInvalidParamsError("content parameter is required")
	}

	m := &memory.Memory{
		ProjectPath: s.cfg.ProjectPath,
		Content:     in.Content,
		Type:        memory.TypeSemantic,
		Importance:  memory.ImportanceMedium,
		Tags:        in.Tags,
		Metadata:    in.Metadata,
	}
	if in.Type != "" {
		m.Type = memory.Type(in.Type)
	}
	if in.Importance != "" {
		m.Importance = memory.Importance(in.Importance)
	}

	start := time.Now()
	saved, err := s.memories.Insert(ctx, m)
	if err != nil {
		return nil, SaveMemoryOutput{}, MapError(err)
	}

	// Quadrant assignment is best-effort: a failed split or a sparse row
	// never fails the save.
	if len(saved.Embedding) > 0 {
		if _, err := s.quadrants.Assign(ctx, s.cfg.ProjectPath, saved.ID, saved.Embedding); err != nil {
			slog.Warn("quadrant_assign_failed",
				slog.String("request_id", id),
				slog.String("memory_id", saved.ID),
				slog.String("error", err.Error()))
		}
	}

	slog.Debug("tool_complete",
		slog.String("tool", "save_memory"),
		slog.String("request_id", id),
		slog.String("memory_id", saved.ID),
		slog.Duration("elapsed", time.Since(start)))
	return nil, SaveMemoryOutput{Memory: saved}, nil
}

// handleFindMemory runs a hybrid, vector, or text search.
func (s *Server) handleFindMemory(ctx context.Context, _ *mcp.CallToolRequest, in FindMemoryInput) (
	*mcp.CallToolResult,
	FindMemoryOutput,
	error,
) {
	id := requestID()
	if strings.TrimSpace(in.Query) == "" {
		return nil, FindMemoryOutput{}, NewInvalidParamsError("query parameter is required")
	}

	opts := search.Options{
		Limit:     clampLimit(in.Limit),
		Threshold: in.Threshold,
		Filters: memory.Filters{
			Type:           memory.Type(in.Type),
			Importance:     memory.Importance(in.Importance),
			Tags:           in.Tags,
			IncludeExpired: in.IncludeExpired,
		},
	}

	start := time.Now()
	results, err := s.searcher.Search(ctx, s.cfg.ProjectPath, in.Query, search.Mode(in.Mode), opts)
	if err != nil {
		return nil, FindMemoryOutput{}, MapError(err)
	}

	slog.Debug("tool_complete",
		slog.String("tool", "find_memory"),
		slog.String("request_id", id),
		slog.Int("results", len(results)),
		slog.Duration("elapsed", time.Since(start)))
	return nil, FindMemoryOutput{Results: results, Count: len(results)}, nil
}

// handleGetMemory fetches one memory by id.
func (s *Server) handleGetMemory(ctx context.Context, _ *mcp.CallToolRequest, in GetMemoryInput) (
	*mcp.CallToolResult,
	GetMemoryOutput,
	error,
) {
	if in.ID == "" {
		return nil, GetMemoryOutput{}, NewInvalidParamsError("id parameter is required")
	}

	m, err := s.memories.Get(ctx, in.ID, s.cfg.ProjectPath, in.IncludeExpired)
	if err != nil {
		return nil, GetMemoryOutput{}, MapError(err)
	}
	return nil, GetMemoryOutput{Memory: m}, nil
}

// handleRemoveMemory soft-deletes a memory.
func (s *Server) handleRemoveMemory(ctx context.Context, _ *mcp.CallToolRequest, in RemoveMemoryInput) (
	*mcp.CallToolResult,
	RemoveMemoryOutput,
	error,
) {
	if in.ID == "" {
		return nil, RemoveMemoryOutput{}, NewInvalidParamsError("id parameter is required")
	}

	if err := s.memories.SoftDelete(ctx, in.ID, s.cfg.ProjectPath); err != nil {
		return nil, RemoveMemoryOutput{}, MapError(err)
	}
	slog.Debug("tool_complete",
		slog.String("tool", "remove_memory"),
		slog.String("memory_id", in.ID))
	return nil, RemoveMemoryOutput{ID: in.ID, SoftDeleted: true}, nil
}

// handleSmartContext assembles the adaptive context bundle. Per-call
// budget overrides build a throwaway retriever; the stack underneath is
// stateless so that costs nothing.
func (s *Server) handleSmartContext(ctx context.Context, _ *mcp.CallToolRequest, in SmartContextInput) (
	*mcp.CallToolResult,
	SmartContextOutput,
	error,
) {
	id := requestID()
	if strings.TrimSpace(in.Query) == "" {
		return nil, SmartContextOutput{}, NewInvalidParamsError("query parameter is required")
	}

	r := s.retriever
	if in.MaxTokens > 0 || in.MinRelevance > 0 || in.MaxAssociationDepth > 0 {
		cfg := s.cfg.Retrieval
		if in.MaxTokens > 0 {
			cfg.MaxTokens = in.MaxTokens
		}
		if in.MinRelevance > 0 {
			cfg.MinRelevance = in.MinRelevance
		}
		if in.MaxAssociationDepth > 0 {
			cfg.MaxAssociationDepth = in.MaxAssociationDepth
		}
		r = retrieval.NewRetriever(s.searcher, s.quadrants, s.graph, s.memories, s.dims, s.embedder, cfg)
	}

	start := time.Now()
	bundle, err := r.SmartContext(ctx, s.cfg.ProjectPath, in.Query)
	if err != nil {
		return nil, SmartContextOutput{}, MapError(err)
	}

	slog.Debug("tool_complete",
		slog.String("tool", "smart_context"),
		slog.String("request_id", id),
		slog.Int("core", len(bundle.Core)),
		slog.Int("associated", len(bundle.Associated)),
		slog.Int("tokens_used", bundle.TokensUsed),
		slog.Duration("elapsed", time.Since(start)))
	return nil, SmartContextOutput{
		Core:          bundle.Core,
		Associated:    bundle.Associated,
		Chains:        bundle.Chains,
		ChainMemories: bundle.ChainMemories,
		Contextual:    bundle.Contextual,
		TokensUsed:    bundle.TokensUsed,
		Budget:        bundle.Budget,
	}, nil
}

// clampLimit bounds a caller-supplied result limit.
func clampLimit(limit int) int {
	const maxLimit = 100
	switch {
	case limit <= 0:
		return 0 // searcher applies its configured default
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}
