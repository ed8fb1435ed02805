package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonhardwick-spec/specmem-sub019/internal/dimension"
	"github.com/jonhardwick-spec/specmem-sub019/internal/embed"
	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

// memoryColumns is the scan order shared by every read query.
const memoryColumns = `id, project_path, content, memory_type, importance, tags, metadata,
	embedding, created_at, updated_at, access_count, last_accessed_at, expires_at, consolidated_from`

// importanceOrder sorts the importance enum inside SQL; higher first.
const importanceOrder = `CASE importance
	WHEN 'critical' THEN 5 WHEN 'high' THEN 4 WHEN 'medium' THEN 3
	WHEN 'low' THEN 2 ELSE 1 END`

// Store persists memories and keeps the lexical and ANN indexes in step
// with the rows.
type Store struct {
	db       *store.DB
	dims     *dimension.Service
	lexical  store.LexicalIndex
	ann      *store.ANNIndex
	embedder embed.Embedder
}

// NewStore wires the memory store. lexical, ann, and embedder may be nil;
// the corresponding side effects are skipped.
func NewStore(db *store.DB, dims *dimension.Service, lexical store.LexicalIndex, ann *store.ANNIndex, embedder embed.Embedder) *Store {
	return &Store{db: db, dims: dims, lexical: lexical, ann: ann, embedder: embedder}
}

// Insert stores a new memory atomically: UUID assigned, timestamps set,
// embedding validated against the declared dimension. A missing embedding
// is generated when a provider is wired; provider failure degrades to a
// sparse row instead of failing the insert.
func (s *Store) Insert(ctx context.Context, m *Memory) (*Memory, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m.ID = uuid.NewString()
	m.CreatedAt = now
	m.UpdatedAt = now

	if len(m.Embedding) == 0 && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, m.Content)
		if err != nil {
			slog.Warn("memory_stored_without_embedding",
				slog.String("id", m.ID), slog.String("error", err.Error()))
		} else {
			m.Embedding = vec
		}
	}
	if err := s.prepareEmbedding(ctx, m); err != nil {
		return nil, err
	}

	tags, metadata, consolidated, err := marshalJSONFields(m)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO memories (`+memoryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ProjectPath, m.Content, string(m.Type), string(m.Importance),
			tags, metadata, store.EncodeVector(m.Embedding),
			m.CreatedAt, m.UpdatedAt, m.AccessCount, m.LastAccessedAt, m.ExpiresAt, consolidated)
		return store.MapError(execErr)
	})
	if err != nil {
		return nil, err
	}

	s.indexMemory(ctx, m)
	return m, nil
}

// Get fetches a memory by id within a project. Soft-deleted rows surface
// only with includeExpired. Reads from another project return
// PermissionDenied rather than NotFound so the caller can tell the cases
// apart.
func (s *Store) Get(ctx context.Context, id, projectPath string, includeExpired bool) (*Memory, error) {
	row := s.db.Handle().QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, specerrors.NotFound("memory", id)
	}
	if err != nil {
		return nil, store.MapError(err)
	}
	if m.ProjectPath != projectPath {
		return nil, specerrors.Newf(specerrors.KindPermissionDenied,
			"memory %s belongs to another project", id)
	}
	if !includeExpired && m.Expired(time.Now().UTC()) {
		return nil, specerrors.NotFound("memory", id)
	}
	return m, nil
}

// Update applies a partial change with last-write-wins semantics and
// refreshes updated_at. Changing content re-runs embedding preparation.
func (s *Store) Update(ctx context.Context, id, projectPath string, delta Update) (*Memory, error) {
	current, err := s.Get(ctx, id, projectPath, true)
	if err != nil {
		return nil, err
	}

	if delta.Content != nil {
		if *delta.Content == "" {
			return nil, specerrors.New(specerrors.KindValidation, "memory content must not be empty")
		}
		current.Content = *delta.Content
		if delta.Embedding == nil && s.embedder != nil {
			if vec, embedErr := s.embedder.Embed(ctx, current.Content); embedErr == nil {
				current.Embedding = vec
			}
		}
	}
	if delta.Type != nil {
		current.Type = *delta.Type
	}
	if delta.Importance != nil {
		current.Importance = *delta.Importance
	}
	if delta.Tags != nil {
		current.Tags = *delta.Tags
	}
	if delta.Metadata != nil {
		current.Metadata = *delta.Metadata
	}
	if delta.Embedding != nil {
		current.Embedding = *delta.Embedding
	}
	if err := current.Validate(); err != nil {
		return nil, err
	}
	if err := s.prepareEmbedding(ctx, current); err != nil {
		return nil, err
	}
	current.UpdatedAt = time.Now().UTC()

	tags, metadata, consolidated, err := marshalJSONFields(current)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `
			UPDATE memories SET content = ?, memory_type = ?, importance = ?, tags = ?,
				metadata = ?, embedding = ?, updated_at = ?, consolidated_from = ?
			WHERE id = ?`,
			current.Content, string(current.Type), string(current.Importance), tags,
			metadata, store.EncodeVector(current.Embedding), current.UpdatedAt, consolidated, id)
		return store.MapError(execErr)
	})
	if err != nil {
		return nil, err
	}

	s.indexMemory(ctx, current)
	return current, nil
}

// SoftDelete sets expires_at so default queries exclude the row; history
// is kept. The lexical and ANN entries are dropped immediately.
func (s *Store) SoftDelete(ctx context.Context, id, projectPath string) error {
	if _, err := s.Get(ctx, id, projectPath, true); err != nil {
		return err
	}
	now := time.Now().UTC()
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx,
			`UPDATE memories SET expires_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
		return store.MapError(execErr)
	})
	if err != nil {
		return err
	}
	s.deindexMemory(ctx, id)
	return nil
}

// HardDelete removes the row permanently. Strength, assignment, and
// association rows cascade; chains keep stale ids that readers filter.
func (s *Store) HardDelete(ctx context.Context, id, projectPath string) error {
	if _, err := s.Get(ctx, id, projectPath, true); err != nil {
		return err
	}
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
		return store.MapError(execErr)
	})
	if err != nil {
		return err
	}
	s.deindexMemory(ctx, id)
	return nil
}

// FindByProject lists memories with deterministic order: importance
// descending, then newest, then id as the tiebreak.
func (s *Store) FindByProject(ctx context.Context, projectPath string, filters Filters, page Page) ([]*Memory, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + memoryColumns + ` FROM memories WHERE project_path = ?`)
	args := []any{projectPath}

	if !filters.IncludeExpired {
		sb.WriteString(` AND (expires_at IS NULL OR expires_at > ?)`)
		args = append(args, time.Now().UTC())
	}
	if filters.Type != "" {
		sb.WriteString(` AND memory_type = ?`)
		args = append(args, string(filters.Type))
	}
	if filters.Importance != "" {
		sb.WriteString(` AND importance = ?`)
		args = append(args, string(filters.Importance))
	}
	for _, tag := range filters.Tags {
		sb.WriteString(` AND EXISTS (SELECT 1 FROM json_each(memories.tags) WHERE json_each.value = ?)`)
		args = append(args, tag)
	}

	sb.WriteString(` ORDER BY ` + importanceOrder + ` DESC, created_at DESC, id`)
	if page.Limit > 0 {
		sb.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, page.Limit, page.Offset)
	}

	rows, err := s.db.Handle().QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, store.MapError(err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// FindByMetadata returns live memories within a project whose metadata
// contains the given key/value pair. Used by the change handler to locate
// the memory mirroring a file.
func (s *Store) FindByMetadata(ctx context.Context, projectPath, key, value string) ([]*Memory, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE project_path = ?
		  AND (expires_at IS NULL OR expires_at > ?)
		  AND json_extract(metadata, '$.' || ?) = ?
		ORDER BY created_at DESC`,
		projectPath, time.Now().UTC(), key, value)
	if err != nil {
		return nil, store.MapError(err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// IncrementAccess bumps access_count and last_accessed_at for ids.
// Best-effort: errors are logged, never returned, so a failed counter
// update cannot fail a search.
func (s *Store) IncrementAccess(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	now := time.Now().UTC()
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`)
		if err != nil {
			return store.MapError(err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, now, id); err != nil {
				return store.MapError(err)
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("access_update_failed", slog.Int("ids", len(ids)), slog.String("error", err.Error()))
	}
}

// ListEmbedded streams memories that carry an embedding, for index
// rebuilds and quadrant scans. Pagination keeps the working set bounded.
// Expired rows surface only with includeExpired, so history-aware
// searches can still scan them.
func (s *Store) ListEmbedded(ctx context.Context, projectPath string, page Page, includeExpired bool) ([]*Memory, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT ` + memoryColumns + ` FROM memories
		WHERE project_path = ? AND embedding IS NOT NULL`
	args := []any{projectPath}
	if !includeExpired {
		query += `
		  AND (expires_at IS NULL OR expires_at > ?)`
		args = append(args, time.Now().UTC())
	}
	query += `
		ORDER BY created_at, id
		LIMIT ? OFFSET ?`
	args = append(args, limit, page.Offset)
	rows, err := s.db.Handle().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.MapError(err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// prepareEmbedding validates a present embedding against the declared
// dimension, projecting or re-embedding on mismatch.
func (s *Store) prepareEmbedding(ctx context.Context, m *Memory) error {
	if len(m.Embedding) == 0 || s.dims == nil {
		return nil
	}
	res, err := s.dims.ValidateAndPrepare(ctx, "memories", m.Embedding, m.Content)
	if err != nil {
		if specerrors.IsKind(err, specerrors.KindDimensionUnknown) {
			// No declared dimension yet; keep the vector as-is and let
			// discovery settle on first search.
			return nil
		}
		return err
	}
	m.Embedding = res.Vector
	return nil
}

// indexMemory mirrors the row into the lexical and ANN indexes,
// best-effort.
func (s *Store) indexMemory(ctx context.Context, m *Memory) {
	if s.lexical != nil {
		doc := store.LexicalDoc{MemoryID: m.ID, ProjectPath: m.ProjectPath, Content: m.Content}
		if err := s.lexical.Index(ctx, []store.LexicalDoc{doc}); err != nil {
			slog.Warn("lexical_index_failed", slog.String("id", m.ID), slog.String("error", err.Error()))
		}
	}
	if s.ann != nil && len(m.Embedding) == s.ann.Dimension() {
		if err := s.ann.Add(ctx, []string{m.ID}, [][]float32{m.Embedding}); err != nil {
			slog.Warn("ann_index_failed", slog.String("id", m.ID), slog.String("error", err.Error()))
		}
	}
}

func (s *Store) deindexMemory(ctx context.Context, id string) {
	if s.lexical != nil {
		if err := s.lexical.Delete(ctx, []string{id}); err != nil {
			slog.Warn("lexical_deindex_failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	if s.ann != nil {
		if err := s.ann.Delete(ctx, []string{id}); err != nil {
			slog.Warn("ann_deindex_failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
}

func marshalJSONFields(m *Memory) (tags, metadata, consolidated string, err error) {
	tagBytes, err := json.Marshal(emptyIfNilSlice(m.Tags))
	if err != nil {
		return "", "", "", specerrors.Wrap(specerrors.KindInternal, "marshal tags", err)
	}
	metaBytes, err := json.Marshal(emptyIfNilMap(m.Metadata))
	if err != nil {
		return "", "", "", specerrors.Wrap(specerrors.KindInternal, "marshal metadata", err)
	}
	consBytes, err := json.Marshal(emptyIfNilSlice(m.ConsolidatedFrom))
	if err != nil {
		return "", "", "", specerrors.Wrap(specerrors.KindInternal, "marshal consolidated_from", err)
	}
	return string(tagBytes), string(metaBytes), string(consBytes), nil
}

func emptyIfNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyIfNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	var memType, importance, tags, metadata, consolidated string
	var blob []byte
	var lastAccessed, expires sql.NullTime

	err := row.Scan(&m.ID, &m.ProjectPath, &m.Content, &memType, &importance,
		&tags, &metadata, &blob, &m.CreatedAt, &m.UpdatedAt, &m.AccessCount,
		&lastAccessed, &expires, &consolidated)
	if err != nil {
		return nil, err
	}

	m.Type = Type(memType)
	m.Importance = Importance(importance)
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, specerrors.Wrap(specerrors.KindInternal, "unmarshal tags", err)
	}
	if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
		return nil, specerrors.Wrap(specerrors.KindInternal, "unmarshal metadata", err)
	}
	if err := json.Unmarshal([]byte(consolidated), &m.ConsolidatedFrom); err != nil {
		return nil, specerrors.Wrap(specerrors.KindInternal, "unmarshal consolidated_from", err)
	}
	if m.Embedding, err = store.DecodeVector(blob); err != nil {
		return nil, err
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time.UTC()
		m.LastAccessedAt = &t
	}
	if expires.Valid {
		t := expires.Time.UTC()
		m.ExpiresAt = &t
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*Memory, error) {
	var memories []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, store.MapError(err)
		}
		memories = append(memories, m)
	}
	return memories, store.MapError(rows.Err())
}
