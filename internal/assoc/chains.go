package assoc

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

// ChainType classifies what a chain traces.
type ChainType string

const (
	ChainReasoning      ChainType = "reasoning"
	ChainImplementation ChainType = "implementation"
	ChainDebugging      ChainType = "debugging"
	ChainExploration    ChainType = "exploration"
	ChainConversation   ChainType = "conversation"
)

// Valid reports whether the value is a known chain type.
func (c ChainType) Valid() bool {
	switch c {
	case ChainReasoning, ChainImplementation, ChainDebugging, ChainExploration, ChainConversation:
		return true
	}
	return false
}

// Chain is an ordered, named list of memory ids. Membership is a weak
// reference: a hard-deleted memory leaves a stale id that readers filter.
type Chain struct {
	ID             string     `json:"id"`
	ProjectPath    string     `json:"project_path"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	MemoryIDs      []string   `json:"memory_ids"`
	Type           ChainType  `json:"chain_type"`
	Importance     string     `json:"importance"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	AccessCount    int        `json:"access_count"`
}

// CreateChain stores a new chain and implicitly links adjacent members
// causally, so traversal can cross chain hops.
func (g *Graph) CreateChain(ctx context.Context, c *Chain) (*Chain, error) {
	if c.Name == "" {
		return nil, specerrors.New(specerrors.KindValidation, "chain name must not be empty")
	}
	if !c.Type.Valid() {
		return nil, specerrors.Newf(specerrors.KindValidation, "unknown chain type %q", c.Type)
	}
	if hasDuplicates(c.MemoryIDs) {
		return nil, specerrors.New(specerrors.KindValidation, "chain members must be unique")
	}
	if c.Importance == "" {
		c.Importance = "medium"
	}

	c.ID = uuid.NewString()
	c.CreatedAt = time.Now().UTC()

	ids, err := json.Marshal(emptyIfNil(c.MemoryIDs))
	if err != nil {
		return nil, specerrors.Wrap(specerrors.KindInternal, "marshal chain members", err)
	}

	err = g.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO memory_chains (id, project_path, name, description, memory_ids, chain_type, importance, created_at, access_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			c.ID, c.ProjectPath, c.Name, c.Description, string(ids), string(c.Type), c.Importance, c.CreatedAt)
		return store.MapError(execErr)
	})
	if err != nil {
		return nil, err
	}

	if err := g.linkAdjacent(ctx, c.MemoryIDs); err != nil {
		return nil, err
	}
	return c, nil
}

// ExtendChain appends memory ids in order. Duplicate membership is
// rejected; new adjacencies gain causal links.
func (g *Graph) ExtendChain(ctx context.Context, chainID string, memoryIDs []string) (*Chain, error) {
	c, err := g.GetChain(ctx, chainID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(c.MemoryIDs))
	for _, id := range c.MemoryIDs {
		seen[id] = struct{}{}
	}
	for _, id := range memoryIDs {
		if _, dup := seen[id]; dup {
			return nil, specerrors.Newf(specerrors.KindValidation,
				"memory %s is already a chain member", id)
		}
		seen[id] = struct{}{}
	}

	// Link the splice point plus the new adjacencies.
	var toLink []string
	if len(c.MemoryIDs) > 0 && len(memoryIDs) > 0 {
		toLink = append(toLink, c.MemoryIDs[len(c.MemoryIDs)-1])
	}
	toLink = append(toLink, memoryIDs...)

	c.MemoryIDs = append(c.MemoryIDs, memoryIDs...)
	ids, err := json.Marshal(c.MemoryIDs)
	if err != nil {
		return nil, specerrors.Wrap(specerrors.KindInternal, "marshal chain members", err)
	}

	err = g.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx,
			`UPDATE memory_chains SET memory_ids = ? WHERE id = ?`, string(ids), chainID)
		return store.MapError(execErr)
	})
	if err != nil {
		return nil, err
	}

	if err := g.linkAdjacent(ctx, toLink); err != nil {
		return nil, err
	}
	return c, nil
}

// GetChain fetches one chain and bumps its access stats.
func (g *Graph) GetChain(ctx context.Context, chainID string) (*Chain, error) {
	c, err := g.readChain(ctx, chainID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, _ = g.db.Handle().ExecContext(ctx, `
		UPDATE memory_chains SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id = ?`, now, chainID)
	return c, nil
}

func (g *Graph) readChain(ctx context.Context, chainID string) (*Chain, error) {
	row := g.db.Handle().QueryRowContext(ctx, `
		SELECT id, project_path, name, description, memory_ids, chain_type, importance, created_at, last_accessed_at, access_count
		FROM memory_chains WHERE id = ?`, chainID)
	c, err := scanChain(row)
	if err == sql.ErrNoRows {
		return nil, specerrors.NotFound("chain", chainID)
	}
	if err != nil {
		return nil, store.MapError(err)
	}
	return c, nil
}

// ChainsContaining returns project chains that reference any of the given
// memory ids.
func (g *Graph) ChainsContaining(ctx context.Context, projectPath string, memoryIDs []string) ([]*Chain, error) {
	if len(memoryIDs) == 0 {
		return nil, nil
	}
	rows, err := g.db.Handle().QueryContext(ctx, `
		SELECT id, project_path, name, description, memory_ids, chain_type, importance, created_at, last_accessed_at, access_count
		FROM memory_chains WHERE project_path = ?
		ORDER BY created_at`, projectPath)
	if err != nil {
		return nil, store.MapError(err)
	}
	defer rows.Close()

	want := make(map[string]struct{}, len(memoryIDs))
	for _, id := range memoryIDs {
		want[id] = struct{}{}
	}

	var chains []*Chain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, store.MapError(err)
		}
		for _, id := range c.MemoryIDs {
			if _, ok := want[id]; ok {
				chains = append(chains, c)
				break
			}
		}
	}
	return chains, store.MapError(rows.Err())
}

// linkAdjacent adds causal links between consecutive members.
func (g *Graph) linkAdjacent(ctx context.Context, memoryIDs []string) error {
	for i := 0; i+1 < len(memoryIDs); i++ {
		if err := g.RecordCoActivation(ctx, []string{memoryIDs[i], memoryIDs[i+1]}, LinkCausal); err != nil {
			return err
		}
	}
	return nil
}

func scanChain(row rowScanner) (*Chain, error) {
	var c Chain
	var ids, chainType string
	var desc sql.NullString
	var lastAccessed sql.NullTime

	err := row.Scan(&c.ID, &c.ProjectPath, &c.Name, &desc, &ids, &chainType,
		&c.Importance, &c.CreatedAt, &lastAccessed, &c.AccessCount)
	if err != nil {
		return nil, err
	}
	c.Description = desc.String
	c.Type = ChainType(chainType)
	if err := json.Unmarshal([]byte(ids), &c.MemoryIDs); err != nil {
		return nil, specerrors.Wrap(specerrors.KindInternal, "unmarshal chain members", err)
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time.UTC()
		c.LastAccessedAt = &t
	}
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func hasDuplicates(ids []string) bool {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}

func emptyIfNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
