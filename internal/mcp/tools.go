package mcp

import (
	"github.com/jonhardwick-spec/specmem-sub019/internal/assoc"
	"github.com/jonhardwick-spec/specmem-sub019/internal/explain"
	"github.com/jonhardwick-spec/specmem-sub019/internal/memory"
	"github.com/jonhardwick-spec/specmem-sub019/internal/queue"
	"github.com/jonhardwick-spec/specmem-sub019/internal/retrieval"
	"github.com/jonhardwick-spec/specmem-sub019/internal/search"
	"github.com/jonhardwick-spec/specmem-sub019/internal/syncer"
)

// SaveMemoryInput defines the input schema for the save_memory tool.
type SaveMemoryInput struct {
	Content    string            `json:"content" jsonschema:"the memory content to store"`
	Type       string            `json:"type,omitempty" jsonschema:"memory type: semantic, episodic, procedural, working, or reflection (default semantic)"`
	Importance string            `json:"importance,omitempty" jsonschema:"importance level: critical, high, medium, low, or trivial (default medium)"`
	Tags       []string          `json:"tags,omitempty" jsonschema:"free-form tags for filtering"`
	Metadata   map[string]string `json:"metadata,omitempty" jsonschema:"key-value metadata attached to the memory"`
}

// SaveMemoryOutput defines the output schema for the save_memory tool.
type SaveMemoryOutput struct {
	Memory *memory.Memory `json:"memory" jsonschema:"the stored memory with assigned id"`
}

// FindMemoryInput defines the input schema for the find_memory tool.
type FindMemoryInput struct {
	Query          string   `json:"query" jsonschema:"the search query to execute"`
	Mode           string   `json:"mode,omitempty" jsonschema:"search mode: vector, text, or hybrid (default hybrid)"`
	Limit          int      `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
	Threshold      float64  `json:"threshold,omitempty" jsonschema:"minimum similarity for vector matches"`
	Type           string   `json:"type,omitempty" jsonschema:"filter by memory type"`
	Importance     string   `json:"importance,omitempty" jsonschema:"filter by importance level"`
	Tags           []string `json:"tags,omitempty" jsonschema:"filter by tags (all must match)"`
	IncludeExpired bool     `json:"include_expired,omitempty" jsonschema:"include soft-deleted memories"`
}

// FindMemoryOutput defines the output schema for the find_memory tool.
type FindMemoryOutput struct {
	Results []search.Result `json:"results" jsonschema:"ranked search results"`
	Count   int             `json:"count" jsonschema:"number of results returned"`
}

// GetMemoryInput defines the input schema for the get_memory tool.
type GetMemoryInput struct {
	ID             string `json:"id" jsonschema:"the memory id to fetch"`
	IncludeExpired bool   `json:"include_expired,omitempty" jsonschema:"return the memory even if soft-deleted"`
}

// GetMemoryOutput defines the output schema for the get_memory tool.
type GetMemoryOutput struct {
	Memory *memory.Memory `json:"memory" jsonschema:"the requested memory"`
}

// RemoveMemoryInput defines the input schema for the remove_memory tool.
type RemoveMemoryInput struct {
	ID string `json:"id" jsonschema:"the memory id to soft-delete"`
}

// RemoveMemoryOutput defines the output schema for the remove_memory tool.
type RemoveMemoryOutput struct {
	ID          string `json:"id" jsonschema:"the removed memory id"`
	SoftDeleted bool   `json:"soft_deleted" jsonschema:"always true on success; the row is recoverable until compaction"`
}

// SmartContextInput defines the input schema for the smart_context tool.
type SmartContextInput struct {
	Query               string  `json:"query" jsonschema:"the task or question to assemble context for"`
	MaxTokens           int     `json:"max_tokens,omitempty" jsonschema:"token budget for the bundle, default 4000"`
	MinRelevance        float64 `json:"min_relevance,omitempty" jsonschema:"minimum relevance for core results, default 0.5"`
	MaxAssociationDepth int     `json:"max_association_depth,omitempty" jsonschema:"graph traversal depth for associations, default 2"`
}

// SmartContextOutput defines the output schema for the smart_context tool.
type SmartContextOutput struct {
	Core          []search.Result        `json:"core" jsonschema:"directly relevant memories"`
	Associated    []retrieval.Associated `json:"associated" jsonschema:"memories reached through the association graph"`
	Chains        []*assoc.Chain         `json:"chains" jsonschema:"memory chains touching the core results"`
	ChainMemories []*memory.Memory       `json:"chain_memories" jsonschema:"member memories of the matched chains"`
	Contextual    []search.Result        `json:"contextual" jsonschema:"broader background memories"`
	TokensUsed    int                    `json:"tokens_used" jsonschema:"estimated tokens consumed by the bundle"`
	Budget        int                    `json:"budget" jsonschema:"the token budget that applied"`
}

// ExplainCodeInput defines the input schema for the explain_code tool.
type ExplainCodeInput struct {
	FilePath    string `json:"file_path" jsonschema:"file path relative to the project root"`
	LineStart   int    `json:"line_start,omitempty" jsonschema:"first line the explanation covers"`
	LineEnd     int    `json:"line_end,omitempty" jsonschema:"last line the explanation covers"`
	Explanation string `json:"explanation" jsonschema:"the explanation text to store"`
}

// ExplainCodeOutput defines the output schema for the explain_code tool.
type ExplainCodeOutput struct {
	Explanation *explain.Explanation `json:"explanation" jsonschema:"the stored explanation with assigned id"`
}

// RecallExplanationInput defines the input schema for the recall_code_explanation tool.
type RecallExplanationInput struct {
	FilePath  string `json:"file_path" jsonschema:"file path relative to the project root"`
	LineStart int    `json:"line_start,omitempty" jsonschema:"restrict to explanations overlapping this range start"`
	LineEnd   int    `json:"line_end,omitempty" jsonschema:"restrict to explanations overlapping this range end"`
}

// RecallExplanationOutput defines the output schema for the recall_code_explanation tool.
type RecallExplanationOutput struct {
	Explanations []*explain.Explanation `json:"explanations" jsonschema:"matching explanations, newest first"`
	Count        int                    `json:"count" jsonschema:"number of explanations returned"`
}

// LinkPromptInput defines the input schema for the link_code_to_prompt tool.
type LinkPromptInput struct {
	FilePath string `json:"file_path" jsonschema:"file path relative to the project root"`
	Prompt   string `json:"prompt" jsonschema:"the prompt or task text that touched this file"`
	MemoryID string `json:"memory_id,omitempty" jsonschema:"optional memory id the prompt came from"`
}

// LinkPromptOutput defines the output schema for the link_code_to_prompt tool.
type LinkPromptOutput struct {
	Link *explain.PromptLink `json:"link" jsonschema:"the stored prompt link"`
}

// GetRelatedCodeInput defines the input schema for the get_related_code tool.
type GetRelatedCodeInput struct {
	FilePath string `json:"file_path" jsonschema:"file path relative to the project root"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of related files, default 10"`
}

// GetRelatedCodeOutput defines the output schema for the get_related_code tool.
type GetRelatedCodeOutput struct {
	Related []explain.RelatedFile `json:"related" jsonschema:"files that share prompts with the given file, most related first"`
}

// SemanticSearchExplanationsInput defines the input schema for the
// semantic_search_explanations tool.
type SemanticSearchExplanationsInput struct {
	Query string `json:"query" jsonschema:"the semantic search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
}

// SemanticSearchExplanationsOutput defines the output schema for the
// semantic_search_explanations tool.
type SemanticSearchExplanationsOutput struct {
	Results []explain.ScoredExplanation `json:"results" jsonschema:"ranked explanations with similarity and feedback bonus applied"`
}

// FeedbackInput defines the input schema for the provide_explanation_feedback tool.
type FeedbackInput struct {
	ExplanationID string `json:"explanation_id" jsonschema:"the explanation id the feedback applies to"`
	Helpful       bool   `json:"helpful" jsonschema:"true if the explanation was helpful"`
}

// FeedbackOutput defines the output schema for the provide_explanation_feedback tool.
type FeedbackOutput struct {
	Recorded bool `json:"recorded" jsonschema:"true once the feedback is stored"`
}

// StartWatchingInput defines the input schema for the start_watching tool.
type StartWatchingInput struct {
	Paths        []string `json:"paths,omitempty" jsonschema:"extra directories to watch beyond the project root"`
	ScanExisting bool     `json:"scan_existing,omitempty" jsonschema:"emit add events for files already on disk"`
}

// StartWatchingOutput defines the output schema for the start_watching tool.
type StartWatchingOutput struct {
	Watching        bool `json:"watching" jsonschema:"true when the watcher is running"`
	AlreadyWatching bool `json:"already_watching,omitempty" jsonschema:"true if a watcher was already running"`
	ScannedFiles    int  `json:"scanned_files,omitempty" jsonschema:"files queued by the initial scan"`
}

// StopWatchingInput defines the input schema for the stop_watching tool (no parameters).
type StopWatchingInput struct{}

// StopWatchingOutput defines the output schema for the stop_watching tool.
type StopWatchingOutput struct {
	Watching bool         `json:"watching" jsonschema:"always false after a successful stop"`
	Stats    *queue.Stats `json:"stats,omitempty" jsonschema:"change queue counters for the watch session"`
}

// CheckSyncInput defines the input schema for the check_sync tool (no parameters).
type CheckSyncInput struct{}

// CheckSyncOutput defines the output schema for the check_sync tool.
type CheckSyncOutput struct {
	Report *syncer.Report `json:"report" jsonschema:"drift classification for every tracked path"`
	Status string         `json:"status" jsonschema:"health summary: healthy, degraded, drifted, stale, or unknown"`
}

// ForceResyncInput defines the input schema for the force_resync tool (no parameters).
type ForceResyncInput struct{}

// ForceResyncOutput defines the output schema for the force_resync tool.
type ForceResyncOutput struct {
	Stats     *syncer.ResyncStats `json:"stats" jsonschema:"files added, updated, removed, and failed"`
	SyncScore float64             `json:"sync_score" jsonschema:"sync score after the repair, 0-100"`
}
