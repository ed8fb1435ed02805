package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/jonhardwick-spec/specmem-sub019/internal/assoc"
	"github.com/jonhardwick-spec/specmem-sub019/internal/config"
	"github.com/jonhardwick-spec/specmem-sub019/internal/dimension"
	"github.com/jonhardwick-spec/specmem-sub019/internal/embed"
	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/explain"
	"github.com/jonhardwick-spec/specmem-sub019/internal/ignore"
	"github.com/jonhardwick-spec/specmem-sub019/internal/ingest"
	"github.com/jonhardwick-spec/specmem-sub019/internal/logging"
	specmcp "github.com/jonhardwick-spec/specmem-sub019/internal/mcp"
	"github.com/jonhardwick-spec/specmem-sub019/internal/memory"
	"github.com/jonhardwick-spec/specmem-sub019/internal/quadrant"
	"github.com/jonhardwick-spec/specmem-sub019/internal/search"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
	"github.com/jonhardwick-spec/specmem-sub019/internal/syncer"
)

// annPageSize is the page size used when warming the vector index from the
// stored embeddings.
const annPageSize = 1000

// app is the wired specmem stack one command runs against.
type app struct {
	cfg      *config.Config
	db       *store.DB
	ann      *store.ANNIndex
	memories *memory.Store
	checker  *syncer.Checker
	server   *specmcp.Server

	lock       *flock.Flock
	logCleanup func()
}

// appOptions tune how openApp builds the stack.
type appOptions struct {
	// quiet suppresses the stderr log tee. serve uses this: MCP clients
	// read stdout and surface stderr noise to the user.
	quiet bool
	// warmANN loads (or rebuilds) the vector index from stored embeddings.
	warmANN bool
}

// openApp loads configuration, takes the store lock, and wires every
// component. The caller must Close the returned app.
func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(projectFlag)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
		return nil, specerrors.Wrap(specerrors.KindConfig, "create data directory", err)
	}

	logCfg := logging.DefaultConfig(cfg.DataDir())
	logCfg.Level = cfg.LogLevel
	logCfg.WriteToStderr = !opts.quiet
	logCleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return nil, specerrors.Wrap(specerrors.KindConfig, "setup logging", err)
	}

	// One server per store: a second instance against the same data dir
	// would fight over the SQLite writer and the ANN snapshot.
	lock := flock.New(filepath.Join(cfg.DataDir(), "specmem.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		logCleanup()
		return nil, specerrors.Wrap(specerrors.KindStoreConnection, "acquire store lock", err)
	}
	if !locked {
		logCleanup()
		return nil, specerrors.New(specerrors.KindStoreConnection,
			"another specmem instance holds this project's store").
			WithSuggestion("Stop the other instance or point --project elsewhere.")
	}

	db, err := store.Open(store.Options{
		Path:        cfg.Store.DBPath,
		CacheSizeMB: cfg.Store.CacheSizeMB,
	})
	if err != nil {
		_ = lock.Unlock()
		logCleanup()
		return nil, err
	}
	if err := db.Bootstrap(ctx); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		logCleanup()
		return nil, err
	}

	embedder := embed.New(ctx, embed.HTTPConfig{
		Endpoint:   cfg.Embeddings.Endpoint,
		Model:      cfg.Embeddings.Model,
		Dimensions: cfg.Embeddings.Dimensions,
		BatchSize:  cfg.Embeddings.BatchSize,
		Timeout:    cfg.Embeddings.Timeout,
	}, cfg.Embeddings.CacheSize)

	dims := dimension.NewService(db, embedder)
	lexical, err := store.NewLexicalIndex(cfg.Store.LexicalBackend, db, cfg.Store.BlevePath)
	if err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		logCleanup()
		return nil, err
	}
	ann := store.NewANNIndex(embedder.Dimensions(), filepath.Join(cfg.DataDir(), "vectors.hnsw"))

	memories := memory.NewStore(db, dims, lexical, ann, embedder)
	searcher := search.NewSearcher(memories, lexical, ann, dims, embedder, search.Config{
		VectorWeight:     cfg.Search.VectorWeight,
		DefaultLimit:     cfg.Search.DefaultLimit,
		DefaultThreshold: cfg.Search.DefaultThreshold,
		AccessUpdateTopK: cfg.Search.AccessUpdateTopK,
	})
	quadrants := quadrant.NewIndex(db, quadrant.Caps{
		MaxMemories: cfg.Quadrant.MaxMemories,
		MinMemories: cfg.Quadrant.MinMemories,
		MaxRadius:   cfg.Quadrant.MaxRadius,
	})
	graph := assoc.NewGraph(db)
	explains := explain.NewStore(db, embedder)
	ingestor := ingest.New(db, memories, cfg.ProjectPath, cfg.Watcher.MaxFileSizeBytes)

	matcher, err := ignore.ForProject(cfg.ProjectPath, cfg.Watcher.IgnorePatterns)
	if err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		logCleanup()
		return nil, err
	}
	checker := syncer.NewChecker(db, memories, ingestor, matcher,
		cfg.ProjectPath, cfg.StatusFilePath(), cfg.Sync)

	server, err := specmcp.NewServer(specmcp.Deps{
		Config:    cfg,
		Memories:  memories,
		Searcher:  searcher,
		Quadrants: quadrants,
		Graph:     graph,
		Dims:      dims,
		Embedder:  embedder,
		Explains:  explains,
		Ingestor:  ingestor,
		Checker:   checker,
	})
	if err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		logCleanup()
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		db:         db,
		ann:        ann,
		memories:   memories,
		checker:    checker,
		server:     server,
		lock:       lock,
		logCleanup: logCleanup,
	}
	if opts.warmANN {
		a.warmANN(ctx)
	}
	return a, nil
}

// warmANN restores the vector index: from its snapshot when one exists,
// otherwise by paging the stored embeddings back in. Best-effort; searches
// fall back to the exhaustive scan when the index stays cold.
func (a *app) warmANN(ctx context.Context) {
	if err := a.ann.Load(); err == nil && a.ann.Count() > 0 {
		slog.Debug("ann_snapshot_loaded", slog.Int("vectors", a.ann.Count()))
		return
	}

	loaded := 0
	for offset := 0; ; offset += annPageSize {
		page, err := a.memories.ListEmbedded(ctx, a.cfg.ProjectPath, memory.Page{
			Limit: annPageSize, Offset: offset,
		}, false)
		if err != nil {
			slog.Warn("ann_warmup_failed", slog.String("error", err.Error()))
			return
		}
		if len(page) == 0 {
			break
		}
		ids := make([]string, 0, len(page))
		vectors := make([][]float32, 0, len(page))
		for _, m := range page {
			if len(m.Embedding) == a.ann.Dimension() {
				ids = append(ids, m.ID)
				vectors = append(vectors, m.Embedding)
			}
		}
		if err := a.ann.Add(ctx, ids, vectors); err != nil {
			slog.Warn("ann_warmup_failed", slog.String("error", err.Error()))
			return
		}
		loaded += len(ids)
	}
	slog.Debug("ann_warmed", slog.Int("vectors", loaded))
}

// Close tears the stack down in reverse order of construction.
func (a *app) Close() {
	_ = a.server.Close()
	if err := a.ann.Save(); err != nil {
		slog.Warn("ann_snapshot_save_failed", slog.String("error", err.Error()))
	}
	_ = a.ann.Close()
	_ = a.db.Close()
	_ = a.lock.Unlock()
	a.logCleanup()
}
