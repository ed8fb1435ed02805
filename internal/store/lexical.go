package store

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
)

// LexicalDoc is a memory's text as seen by the lexical index.
type LexicalDoc struct {
	MemoryID    string
	ProjectPath string
	Content     string
}

// LexicalResult is one lexical search hit. Rank is normalized so higher is
// better regardless of backend.
type LexicalResult struct {
	MemoryID     string
	Rank         float64
	MatchedTerms []string
}

// LexicalIndex is the full-text search backend for memory content.
// Two implementations exist: SQLite FTS5 (default, lives in the main
// database) and Bleve (separate on-disk index).
type LexicalIndex interface {
	// Index adds or replaces documents.
	Index(ctx context.Context, docs []LexicalDoc) error
	// Search returns documents matching query within a project, best first.
	Search(ctx context.Context, projectPath, query string, limit int) ([]LexicalResult, error)
	// Delete removes documents by memory id.
	Delete(ctx context.Context, memoryIDs []string) error
	Close() error
}

// FTS5Index implements LexicalIndex over the memories_fts virtual table in
// the main database. WAL mode on the shared handle gives it multi-process
// safety for free.
type FTS5Index struct {
	mu        sync.RWMutex
	db        *DB
	stopWords map[string]struct{}
	closed    bool
}

var _ LexicalIndex = (*FTS5Index)(nil)

// NewFTS5Index builds the FTS5 backend on an already-bootstrapped database.
func NewFTS5Index(db *DB) *FTS5Index {
	return &FTS5Index{
		db:        db,
		stopWords: buildStopWordMap(defaultStopWords),
	}
}

// Index adds documents. FTS5 virtual tables have no REPLACE, so existing
// rows are deleted first inside one transaction.
func (f *FTS5Index) Index(ctx context.Context, docs []LexicalDoc) error {
	if len(docs) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return specerrors.New(specerrors.KindStoreConnection, "lexical index is closed")
	}

	return f.db.Transaction(ctx, func(tx *sql.Tx) error {
		del, err := tx.PrepareContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`)
		if err != nil {
			return MapError(err)
		}
		defer del.Close()

		ins, err := tx.PrepareContext(ctx,
			`INSERT INTO memories_fts (memory_id, project_path, content) VALUES (?, ?, ?)`)
		if err != nil {
			return MapError(err)
		}
		defer ins.Close()

		for _, doc := range docs {
			tokens := filterStopWords(Tokenize(doc.Content), f.stopWords)
			if _, err := del.ExecContext(ctx, doc.MemoryID); err != nil {
				return MapError(err)
			}
			if _, err := ins.ExecContext(ctx, doc.MemoryID, doc.ProjectPath, strings.Join(tokens, " ")); err != nil {
				return MapError(err)
			}
		}
		return nil
	})
}

// Search runs an FTS5 MATCH query scoped to one project. FTS5's bm25()
// returns negative scores (lower is better); they are negated so callers
// always see higher-is-better.
func (f *FTS5Index) Search(ctx context.Context, projectPath, query string, limit int) ([]LexicalResult, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, specerrors.New(specerrors.KindStoreConnection, "lexical index is closed")
	}

	tokens := filterStopWords(Tokenize(query), f.stopWords)
	if len(tokens) == 0 {
		return nil, nil
	}
	match := strings.Join(tokens, " ")

	rows, err := f.db.Handle().QueryContext(ctx, `
		SELECT memory_id, bm25(memories_fts) AS score
		FROM memories_fts
		WHERE content MATCH ? AND project_path = ?
		ORDER BY score
		LIMIT ?`, match, projectPath, limit)
	if err != nil {
		// Invalid MATCH syntax means no results, not failure.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, MapError(err)
	}
	defer rows.Close()

	var results []LexicalResult
	for rows.Next() {
		var r LexicalResult
		var score float64
		if err := rows.Scan(&r.MemoryID, &score); err != nil {
			return nil, MapError(err)
		}
		r.Rank = -score
		r.MatchedTerms = tokens
		results = append(results, r)
	}
	return results, MapError(rows.Err())
}

// Delete removes documents by memory id.
func (f *FTS5Index) Delete(ctx context.Context, memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return specerrors.New(specerrors.KindStoreConnection, "lexical index is closed")
	}

	return f.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`)
		if err != nil {
			return MapError(err)
		}
		defer stmt.Close()
		for _, id := range memoryIDs {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return MapError(err)
			}
		}
		return nil
	})
}

// Close marks the index closed. The shared database handle is owned by the
// caller and is not closed here.
func (f *FTS5Index) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
