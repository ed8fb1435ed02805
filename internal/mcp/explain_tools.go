package mcp

import (
	"context"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonhardwick-spec/specmem-sub019/internal/explain"
)

// handleExplainCode stores a code explanation.
func (s *Server) handleExplainCode(ctx context.Context, _ *mcp.CallToolRequest, in ExplainCodeInput) (
	*mcp.CallToolResult,
	ExplainCodeOutput,
	error,
) {
	if strings.TrimSpace(in.FilePath) == "" {
		return nil, ExplainCodeOutput{}, NewInvalidParamsError("file_path parameter is required")
	}
	if strings.TrimSpace(in.Explanation) == "" {
		return nil, ExplainCodeOutput{}, NewInvalidParamsError("explanation parameter is required")
	}

	e, err := s.explains.Save(ctx, &explain.Explanation{
		ProjectPath: s.cfg.ProjectPath,
		FilePath:    in.FilePath,
		LineStart:   in.LineStart,
		LineEnd:     in.LineEnd,
		Explanation: in.Explanation,
	})
	if err != nil {
		return nil, ExplainCodeOutput{}, MapError(err)
	}
	return nil, ExplainCodeOutput{Explanation: e}, nil
}

// handleRecallExplanation returns stored explanations for a file.
func (s *Server) handleRecallExplanation(ctx context.Context, _ *mcp.CallToolRequest, in RecallExplanationInput) (
	*mcp.CallToolResult,
	RecallExplanationOutput,
	error,
) {
	if strings.TrimSpace(in.FilePath) == "" {
		return nil, RecallExplanationOutput{}, NewInvalidParamsError("file_path parameter is required")
	}

	got, err := s.explains.Recall(ctx, s.cfg.ProjectPath, in.FilePath, in.LineStart, in.LineEnd)
	if err != nil {
		return nil, RecallExplanationOutput{}, MapError(err)
	}
	return nil, RecallExplanationOutput{Explanations: got, Count: len(got)}, nil
}

// handleLinkPrompt records a prompt-to-file link.
func (s *Server) handleLinkPrompt(ctx context.Context, _ *mcp.CallToolRequest, in LinkPromptInput) (
	*mcp.CallToolResult,
	LinkPromptOutput,
	error,
) {
	if strings.TrimSpace(in.FilePath) == "" {
		return nil, LinkPromptOutput{}, NewInvalidParamsError("file_path parameter is required")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, LinkPromptOutput{}, NewInvalidParamsError("prompt parameter is required")
	}

	link, err := s.explains.LinkPrompt(ctx, &explain.PromptLink{
		ProjectPath: s.cfg.ProjectPath,
		FilePath:    in.FilePath,
		Prompt:      in.Prompt,
		MemoryID:    in.MemoryID,
	})
	if err != nil {
		return nil, LinkPromptOutput{}, MapError(err)
	}
	return nil, LinkPromptOutput{Link: link}, nil
}

// handleGetRelatedCode finds files that share prompts with the given file.
func (s *Server) handleGetRelatedCode(ctx context.Context, _ *mcp.CallToolRequest, in GetRelatedCodeInput) (
	*mcp.CallToolResult,
	GetRelatedCodeOutput,
	error,
) {
	if strings.TrimSpace(in.FilePath) == "" {
		return nil, GetRelatedCodeOutput{}, NewInvalidParamsError("file_path parameter is required")
	}

	related, err := s.explains.GetRelated(ctx, s.cfg.ProjectPath, in.FilePath, clampLimit(in.Limit))
	if err != nil {
		return nil, GetRelatedCodeOutput{}, MapError(err)
	}
	return nil, GetRelatedCodeOutput{Related: related}, nil
}

// handleSemanticSearchExplanations searches explanations by meaning.
func (s *Server) handleSemanticSearchExplanations(ctx context.Context, _ *mcp.CallToolRequest, in SemanticSearchExplanationsInput) (
	*mcp.CallToolResult,
	SemanticSearchExplanationsOutput,
	error,
) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, SemanticSearchExplanationsOutput{}, NewInvalidParamsError("query parameter is required")
	}

	results, err := s.explains.SemanticSearch(ctx, s.cfg.ProjectPath, in.Query, clampLimit(in.Limit))
	if err != nil {
		return nil, SemanticSearchExplanationsOutput{}, MapError(err)
	}
	return nil, SemanticSearchExplanationsOutput{Results: results}, nil
}

// handleFeedback records helpful/unhelpful feedback on an explanation.
func (s *Server) handleFeedback(ctx context.Context, _ *mcp.CallToolRequest, in FeedbackInput) (
	*mcp.CallToolResult,
	FeedbackOutput,
	error,
) {
	if in.ExplanationID == "" {
		return nil, FeedbackOutput{}, NewInvalidParamsError("explanation_id parameter is required")
	}

	if err := s.explains.Feedback(ctx, in.ExplanationID, in.Helpful); err != nil {
		return nil, FeedbackOutput{}, MapError(err)
	}
	return nil, FeedbackOutput{Recorded: true}, nil
}
