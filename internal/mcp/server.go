package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonhardwick-spec/specmem-sub019/internal/assoc"
	"github.com/jonhardwick-spec/specmem-sub019/internal/config"
	"github.com/jonhardwick-spec/specmem-sub019/internal/dimension"
	"github.com/jonhardwick-spec/specmem-sub019/internal/embed"
	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/explain"
	"github.com/jonhardwick-spec/specmem-sub019/internal/ingest"
	"github.com/jonhardwick-spec/specmem-sub019/internal/memory"
	"github.com/jonhardwick-spec/specmem-sub019/internal/quadrant"
	"github.com/jonhardwick-spec/specmem-sub019/internal/queue"
	"github.com/jonhardwick-spec/specmem-sub019/internal/retrieval"
	"github.com/jonhardwick-spec/specmem-sub019/internal/search"
	"github.com/jonhardwick-spec/specmem-sub019/internal/syncer"
	"github.com/jonhardwick-spec/specmem-sub019/internal/watcher"
	"github.com/jonhardwick-spec/specmem-sub019/pkg/version"
)

// Server is the MCP server for specmem. It bridges AI clients with the
// memory store, hybrid search, adaptive retrieval, code explanations, and
// the file-sync pipeline.
type Server struct {
	mcp       *mcp.Server
	cfg       *config.Config
	memories  *memory.Store
	searcher  *search.Searcher
	retriever *retrieval.Retriever
	quadrants *quadrant.Index
	graph     *assoc.Graph
	dims      *dimension.Service
	embedder  embed.Embedder
	explains  *explain.Store
	ingestor  *ingest.Ingestor
	checker   *syncer.Checker

	// Watch session state; nil when not watching.
	mu          sync.Mutex
	watch       *watcher.Watcher
	changes     *queue.Queue
	watchCancel context.CancelFunc
}

// Deps are the wired components the server dispatches onto.
type Deps struct {
	Config    *config.Config
	Memories  *memory.Store
	Searcher  *search.Searcher
	Quadrants *quadrant.Index
	Graph     *assoc.Graph
	Dims      *dimension.Service
	Embedder  embed.Embedder
	Explains  *explain.Store
	Ingestor  *ingest.Ingestor
	Checker   *syncer.Checker
}

// NewServer creates the MCP server and registers all tools. The embedder
// may be nil; embedding-dependent tools then degrade to text paths.
func NewServer(deps Deps) (*Server, error) {
	switch {
	case deps.Config == nil:
		return nil, specerrors.New(specerrors.KindConfig, "config is required")
	case deps.Memories == nil:
		return nil, specerrors.New(specerrors.KindConfig, "memory store is required")
	case deps.Searcher == nil:
		return nil, specerrors.New(specerrors.KindConfig, "searcher is required")
	case deps.Quadrants == nil:
		return nil, specerrors.New(specerrors.KindConfig, "quadrant index is required")
	case deps.Graph == nil:
		return nil, specerrors.New(specerrors.KindConfig, "association graph is required")
	case deps.Dims == nil:
		return nil, specerrors.New(specerrors.KindConfig, "dimension service is required")
	case deps.Explains == nil:
		return nil, specerrors.New(specerrors.KindConfig, "explanation store is required")
	case deps.Ingestor == nil:
		return nil, specerrors.New(specerrors.KindConfig, "ingestor is required")
	case deps.Checker == nil:
		return nil, specerrors.New(specerrors.KindConfig, "sync checker is required")
	}

	s := &Server{
		cfg:       deps.Config,
		memories:  deps.Memories,
		searcher:  deps.Searcher,
		quadrants: deps.Quadrants,
		graph:     deps.Graph,
		dims:      deps.Dims,
		embedder:  deps.Embedder,
		explains:  deps.Explains,
		ingestor:  deps.Ingestor,
		checker:   deps.Checker,
	}
	s.retriever = retrieval.NewRetriever(deps.Searcher, deps.Quadrants, deps.Graph,
		deps.Memories, deps.Dims, deps.Embedder, deps.Config.Retrieval)

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "specmem",
			Version: version.Version,
		},
		nil, // ServerOptions - capabilities are inferred from registered tools
	)
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// registerTools registers all tools with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "save_memory",
		Description: "Store a memory for this project. Memories persist across sessions and are retrievable by meaning, not just keywords. Use for decisions, learnings, and context worth keeping.",
	}, s.handleSaveMemory)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "find_memory",
		Description: "Search stored memories. Hybrid mode (default) merges semantic similarity with keyword ranking; vector and text modes run a single leg. Supports type, importance, and tag filters.",
	}, s.handleFindMemory)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_memory",
		Description: "Fetch one memory by id.",
	}, s.handleGetMemory)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "remove_memory",
		Description: "Soft-delete a memory. It stops appearing in searches but stays recoverable until compaction.",
	}, s.handleRemoveMemory)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "smart_context",
		Description: "Assemble a token-budgeted context bundle for a task: directly relevant memories, graph associations, memory chains, and broader background. Use this at the start of a task instead of many separate searches.",
	}, s.handleSmartContext)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "explain_code",
		Description: "Store an explanation of a code region so future sessions can recall why the code looks the way it does.",
	}, s.handleExplainCode)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "recall_code_explanation",
		Description: "Recall stored explanations for a file, optionally narrowed to a line range.",
	}, s.handleRecallExplanation)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "link_code_to_prompt",
		Description: "Record that a prompt or task touched a file. Links power get_related_code.",
	}, s.handleLinkPrompt)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_related_code",
		Description: "Find files related to a given file through shared prompts - the files that tend to change together.",
	}, s.handleGetRelatedCode)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "semantic_search_explanations",
		Description: "Search code explanations by meaning. Helpful-feedback counts boost ranking.",
	}, s.handleSemanticSearchExplanations)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "provide_explanation_feedback",
		Description: "Mark an explanation as helpful or unhelpful to tune future ranking.",
	}, s.handleFeedback)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "start_watching",
		Description: "Start watching the project for file changes. Changed files are debounced, queued, and indexed as memories automatically.",
	}, s.handleStartWatching)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "stop_watching",
		Description: "Stop the file watcher and flush the pending change queue.",
	}, s.handleStopWatching)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "check_sync",
		Description: "Compare the store against the files on disk and report drift: missing, stale, and deleted paths with a 0-100 sync score.",
	}, s.handleCheckSync)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "force_resync",
		Description: "Repair drift between disk and store: index missing files, refresh stale ones, and drop deleted ones.",
	}, s.handleForceResync)

	slog.Debug("mcp_tools_registered", slog.Int("count", 15))
}

// Serve starts the server on the given transport.
func (s *Server) Serve(ctx context.Context, transport string) error {
	slog.Info("mcp_server_starting",
		slog.String("transport", transport),
		slog.String("project", s.cfg.ProjectPath))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && err != context.Canceled {
			slog.Error("mcp_server_stopped", slog.String("error", err.Error()))
			return err
		}
		slog.Info("mcp_server_stopped")
		return nil
	default:
		return specerrors.Newf(specerrors.KindConfig, "unknown transport %q (supported: stdio)", transport)
	}
}

// Close stops any running watch session and releases server resources.
func (s *Server) Close() error {
	s.stopWatchSession(context.Background())
	return nil
}

// requestID returns a short id correlating the log lines of one tool call.
func requestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
