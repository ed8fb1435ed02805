package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
)

// BleveIndex implements LexicalIndex on a standalone Bleve index. Bleve
// holds an exclusive BoltDB lock, so this backend is single-process only;
// FTS5 is the default.
type BleveIndex struct {
	mu        sync.RWMutex
	index     bleve.Index
	path      string
	stopWords map[string]struct{}
	closed    bool
}

var _ LexicalIndex = (*BleveIndex)(nil)

type bleveMemoryDoc struct {
	ProjectPath string `json:"project_path"`
	Content     string `json:"content"`
}

// NewBleveIndex opens or creates a Bleve index at path. An empty path
// creates an in-memory index for tests.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im, err := bleveIndexMapping()
	if err != nil {
		return nil, specerrors.Wrap(specerrors.KindStoreConnection, "create bleve mapping", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(im)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, specerrors.Wrap(specerrors.KindStoreConnection, "create index directory", mkErr)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, im)
		}
	}
	if err != nil {
		return nil, specerrors.Wrap(specerrors.KindStoreConnection, "open bleve index", err)
	}

	return &BleveIndex{
		index:     idx,
		path:      path,
		stopWords: buildStopWordMap(defaultStopWords),
	}, nil
}

func bleveIndexMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()

	doc := bleve.NewDocumentMapping()

	// project_path is an exact-match filter field, never analyzed.
	projectField := bleve.NewTextFieldMapping()
	projectField.Analyzer = keyword.Name
	doc.AddFieldMappingsAt("project_path", projectField)

	contentField := bleve.NewTextFieldMapping()
	doc.AddFieldMappingsAt("content", contentField)

	im.DefaultMapping = doc
	return im, nil
}

// Index adds or replaces documents in one batch.
func (b *BleveIndex) Index(ctx context.Context, docs []LexicalDoc) error {
	if len(docs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return specerrors.New(specerrors.KindStoreConnection, "lexical index is closed")
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		tokens := filterStopWords(Tokenize(doc.Content), b.stopWords)
		entry := bleveMemoryDoc{
			ProjectPath: doc.ProjectPath,
			Content:     strings.Join(tokens, " "),
		}
		if err := batch.Index(doc.MemoryID, entry); err != nil {
			return specerrors.Wrap(specerrors.KindStoreOther, "index document", err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return specerrors.Wrap(specerrors.KindStoreOther, "execute index batch", err)
	}
	return nil
}

// Search runs a project-scoped match query ranked by Bleve's scorer.
func (b *BleveIndex) Search(ctx context.Context, projectPath, query string, limit int) ([]LexicalResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, specerrors.New(specerrors.KindStoreConnection, "lexical index is closed")
	}

	tokens := filterStopWords(Tokenize(query), b.stopWords)
	if len(tokens) == 0 {
		return nil, nil
	}

	contentQuery := bleve.NewMatchQuery(strings.Join(tokens, " "))
	contentQuery.SetField("content")

	projectQuery := bleve.NewTermQuery(projectPath)
	projectQuery.SetField("project_path")

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(contentQuery, projectQuery))
	req.Size = limit

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, specerrors.Wrap(specerrors.KindStoreOther, "lexical search", err)
	}

	results := make([]LexicalResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, LexicalResult{
			MemoryID:     hit.ID,
			Rank:         hit.Score,
			MatchedTerms: tokens,
		})
	}
	return results, nil
}

// Delete removes documents in one batch.
func (b *BleveIndex) Delete(ctx context.Context, memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return specerrors.New(specerrors.KindStoreConnection, "lexical index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range memoryIDs {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return specerrors.Wrap(specerrors.KindStoreOther, "delete documents", err)
	}
	return nil
}

// Close releases the Bolt lock.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

// NewLexicalIndex builds the configured lexical backend. FTS5 shares the
// main database; Bleve lives at blevePath.
func NewLexicalIndex(backend string, db *DB, blevePath string) (LexicalIndex, error) {
	switch backend {
	case "fts5", "":
		return NewFTS5Index(db), nil
	case "bleve":
		return NewBleveIndex(blevePath)
	default:
		return nil, specerrors.Newf(specerrors.KindConfig,
			"unknown lexical backend %q (valid: fts5, bleve)", backend)
	}
}
