// Package explain stores human and assistant explanations of code
// locations, links code to the prompts that touched it, and tracks
// access patterns so related-code lookups can rank by usage.
package explain

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jonhardwick-spec/specmem-sub019/internal/embed"
	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

// Explanation is one recorded explanation of a code location. Line
// bounds are optional; zero means the whole file.
type Explanation struct {
	ID          string    `json:"id"`
	ProjectPath string    `json:"project_path"`
	FilePath    string    `json:"file_path"`
	LineStart   int       `json:"line_start,omitempty"`
	LineEnd     int       `json:"line_end,omitempty"`
	Explanation string    `json:"explanation"`
	Embedding   []float32 `json:"-"`
	Helpful     int       `json:"helpful"`
	Unhelpful   int       `json:"unhelpful"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PromptLink ties a code location to the prompt that touched it.
type PromptLink struct {
	ID          string    `json:"id"`
	ProjectPath string    `json:"project_path"`
	FilePath    string    `json:"file_path"`
	Prompt      string    `json:"prompt"`
	MemoryID    string    `json:"memory_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists explanations, prompt links, and access telemetry.
type Store struct {
	db       *store.DB
	embedder embed.Embedder
}

// NewStore wires the explanation store. The embedder may be nil; then
// semantic search degrades to recency ordering.
func NewStore(db *store.DB, embedder embed.Embedder) *Store {
	return &Store{db: db, embedder: embedder}
}

// Save records an explanation, embedding it for semantic recall. A
// failed embedding is tolerated; the row just stays out of semantic
// results.
func (s *Store) Save(ctx context.Context, e *Explanation) (*Explanation, error) {
	if e.FilePath == "" {
		return nil, specerrors.New(specerrors.KindValidation, "file path must not be empty")
	}
	if e.Explanation == "" {
		return nil, specerrors.New(specerrors.KindValidation, "explanation must not be empty")
	}
	if e.LineEnd != 0 && e.LineEnd < e.LineStart {
		return nil, specerrors.New(specerrors.KindValidation, "line range is inverted")
	}

	e.ID = uuid.NewString()
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	if s.embedder != nil && len(e.Embedding) == 0 {
		vec, err := s.embedder.Embed(ctx, e.Explanation)
		if err != nil {
			slog.Warn("explanation_embed_failed",
				slog.String("file_path", e.FilePath), slog.String("error", err.Error()))
		} else {
			e.Embedding = vec
		}
	}

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO code_explanations
				(id, project_path, file_path, line_start, line_end, explanation, embedding, helpful, unhelpful, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
			e.ID, e.ProjectPath, e.FilePath, e.LineStart, e.LineEnd,
			e.Explanation, store.EncodeVector(e.Embedding), e.CreatedAt, e.UpdatedAt)
		return store.MapError(execErr)
	})
	if err != nil {
		return nil, err
	}
	s.recordAccess(ctx, e.ProjectPath, e.FilePath)
	return e, nil
}

// Recall returns explanations for a file, newest first, optionally
// narrowed to a line range (any overlap counts).
func (s *Store) Recall(ctx context.Context, projectPath, filePath string, lineStart, lineEnd int) ([]*Explanation, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT `+explanationColumns+` FROM code_explanations
		WHERE project_path = ? AND file_path = ?
		ORDER BY updated_at DESC`, projectPath, filePath)
	if err != nil {
		return nil, store.MapError(err)
	}
	defer rows.Close()

	var out []*Explanation
	for rows.Next() {
		e, scanErr := scanExplanation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		if lineEnd > 0 && e.LineEnd > 0 && (e.LineEnd < lineStart || e.LineStart > lineEnd) {
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.MapError(err)
	}
	s.recordAccess(ctx, projectPath, filePath)
	return out, nil
}

// ScoredExplanation pairs an explanation with its query similarity.
type ScoredExplanation struct {
	Explanation *Explanation `json:"explanation"`
	Similarity  float64      `json:"similarity"`
}

// SemanticSearch ranks the project's explanations by similarity to the
// query. Feedback nudges the score: each net helpful vote adds a small
// bonus so confirmed explanations float up between near-ties.
func (s *Store) SemanticSearch(ctx context.Context, projectPath, query string, limit int) ([]ScoredExplanation, error) {
	if limit <= 0 {
		limit = 10
	}
	if s.embedder == nil {
		return nil, specerrors.New(specerrors.KindEmbeddingUnavailable, "no embedding provider configured")
	}
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT `+explanationColumns+` FROM code_explanations
		WHERE project_path = ? AND embedding IS NOT NULL`, projectPath)
	if err != nil {
		return nil, store.MapError(err)
	}
	defer rows.Close()

	var scored []ScoredExplanation
	for rows.Next() {
		e, scanErr := scanExplanation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		if len(e.Embedding) != len(queryVec) {
			continue
		}
		sim := store.CosineSimilarity(queryVec, e.Embedding)
		sim += 0.01 * float64(e.Helpful-e.Unhelpful)
		scored = append(scored, ScoredExplanation{Explanation: e, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, store.MapError(err)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Explanation.ID < scored[j].Explanation.ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Feedback records a helpful or unhelpful vote.
func (s *Store) Feedback(ctx context.Context, explanationID string, helpful bool) error {
	column := "unhelpful"
	if helpful {
		column = "helpful"
	}
	var affected int64
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx,
			`UPDATE code_explanations SET `+column+` = `+column+` + 1, updated_at = ? WHERE id = ?`,
			time.Now().UTC(), explanationID)
		if execErr != nil {
			return store.MapError(execErr)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return specerrors.NotFound("explanation", explanationID)
	}
	return nil
}

// LinkPrompt records that a prompt touched a code location.
func (s *Store) LinkPrompt(ctx context.Context, l *PromptLink) (*PromptLink, error) {
	if l.FilePath == "" || l.Prompt == "" {
		return nil, specerrors.New(specerrors.KindValidation, "file path and prompt must not be empty")
	}
	l.ID = uuid.NewString()
	l.CreatedAt = time.Now().UTC()

	var memoryID any
	if l.MemoryID != "" {
		memoryID = l.MemoryID
	}
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO code_prompt_links (id, project_path, file_path, prompt, memory_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			l.ID, l.ProjectPath, l.FilePath, l.Prompt, memoryID, l.CreatedAt)
		return store.MapError(execErr)
	})
	if err != nil {
		return nil, err
	}
	s.recordAccess(ctx, l.ProjectPath, l.FilePath)
	return l, nil
}

// RelatedFile is one entry of a related-code ranking.
type RelatedFile struct {
	FilePath     string    `json:"file_path"`
	AccessCount  int       `json:"access_count"`
	PromptCount  int       `json:"prompt_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// GetRelated ranks the files most associated with a file: files that
// share prompts with it, ordered by shared-prompt count then access
// telemetry.
func (s *Store) GetRelated(ctx context.Context, projectPath, filePath string, limit int) ([]RelatedFile, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT other.file_path,
		       COUNT(DISTINCT other.prompt) AS shared_prompts,
		       COALESCE(ap.access_count, 0),
		       ap.last_accessed
		FROM code_prompt_links mine
		JOIN code_prompt_links other
		  ON other.project_path = mine.project_path
		 AND other.prompt = mine.prompt
		 AND other.file_path != mine.file_path
		LEFT JOIN code_access_patterns ap
		  ON ap.project_path = other.project_path AND ap.file_path = other.file_path
		WHERE mine.project_path = ? AND mine.file_path = ?
		GROUP BY other.file_path
		ORDER BY shared_prompts DESC, COALESCE(ap.access_count, 0) DESC, other.file_path
		LIMIT ?`, projectPath, filePath, limit)
	if err != nil {
		return nil, store.MapError(err)
	}
	defer rows.Close()

	var out []RelatedFile
	for rows.Next() {
		var rf RelatedFile
		var lastAccessed sql.NullTime
		if scanErr := rows.Scan(&rf.FilePath, &rf.PromptCount, &rf.AccessCount, &lastAccessed); scanErr != nil {
			return nil, store.MapError(scanErr)
		}
		if lastAccessed.Valid {
			rf.LastAccessed = lastAccessed.Time
		} else {
			rf.LastAccessed = time.Unix(0, 0).UTC()
		}
		out = append(out, rf)
	}
	return out, store.MapError(rows.Err())
}

// PromptsFor returns the prompts that touched a file, newest first.
func (s *Store) PromptsFor(ctx context.Context, projectPath, filePath string, limit int) ([]*PromptLink, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT id, project_path, file_path, prompt, memory_id, created_at
		FROM code_prompt_links
		WHERE project_path = ? AND file_path = ?
		ORDER BY created_at DESC LIMIT ?`, projectPath, filePath, limit)
	if err != nil {
		return nil, store.MapError(err)
	}
	defer rows.Close()

	var out []*PromptLink
	for rows.Next() {
		var l PromptLink
		var memoryID sql.NullString
		if scanErr := rows.Scan(&l.ID, &l.ProjectPath, &l.FilePath, &l.Prompt, &memoryID, &l.CreatedAt); scanErr != nil {
			return nil, store.MapError(scanErr)
		}
		l.MemoryID = memoryID.String
		out = append(out, &l)
	}
	return out, store.MapError(rows.Err())
}

// recordAccess bumps the telemetry row. Best-effort.
func (s *Store) recordAccess(ctx context.Context, projectPath, filePath string) {
	now := time.Now().UTC()
	_, err := s.db.Handle().ExecContext(ctx, `
		INSERT INTO code_access_patterns (id, project_path, file_path, access_count, last_accessed)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(project_path, file_path) DO UPDATE SET
			access_count = access_count + 1,
			last_accessed = excluded.last_accessed`,
		uuid.NewString(), projectPath, filePath, now)
	if err != nil {
		slog.Warn("access_pattern_update_failed",
			slog.String("file_path", filePath), slog.String("error", err.Error()))
	}
}

const explanationColumns = `id, project_path, file_path, line_start, line_end, explanation, embedding, helpful, unhelpful, created_at, updated_at`

func scanExplanation(rows *sql.Rows) (*Explanation, error) {
	var e Explanation
	var blob []byte
	if err := rows.Scan(&e.ID, &e.ProjectPath, &e.FilePath, &e.LineStart, &e.LineEnd,
		&e.Explanation, &blob, &e.Helpful, &e.Unhelpful, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, store.MapError(err)
	}
	var err error
	if e.Embedding, err = store.DecodeVector(blob); err != nil {
		return nil, err
	}
	return &e, nil
}
