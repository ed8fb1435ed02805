// Package quadrant maintains the semantic partition tree that narrows
// vector search from the whole corpus to a handful of leaves. Nodes live
// in the store and are referenced by id; an in-memory cache serves
// traversal. Leaves hold memory assignments; an over-full leaf splits via
// k-means.
package quadrant

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

// Caps are the per-node policy limits.
type Caps struct {
	MaxMemories int
	MinMemories int
	MaxRadius   float64
}

// DefaultCaps mirror the configuration defaults.
func DefaultCaps() Caps {
	return Caps{MaxMemories: 1000, MinMemories: 50, MaxRadius: 0.6}
}

// Node is one partition tree node. Centroid is empty until the first
// assignment; a centroid whose length differs from the declared dimension
// is skipped during traversal.
type Node struct {
	ID          string    `json:"id"`
	ProjectPath string    `json:"project_path"`
	Name        string    `json:"name"`
	Level       int       `json:"level"`
	ParentID    string    `json:"parent_id,omitempty"`
	ChildIDs    []string  `json:"child_ids"`
	Centroid    []float32 `json:"-"`
	Radius      float64   `json:"radius"`
	Keywords    []string  `json:"keywords"`
	MemoryCount int       `json:"memory_count"`
	Tags        []string  `json:"tags"`
	Caps        Caps      `json:"-"`
}

// Leaf reports whether the node holds assignments directly.
func (n *Node) Leaf() bool { return len(n.ChildIDs) == 0 }

// Assignment maps a memory to its single leaf.
type Assignment struct {
	MemoryID   string    `json:"memory_id"`
	QuadrantID string    `json:"quadrant_id"`
	Distance   float64   `json:"distance_to_centroid"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Index is the quadrant tree for all projects sharing one database. The
// node cache is process-global, guarded by its own lock, invalidated on
// writes and schema-change signals. Splits serialize per node.
type Index struct {
	db   *store.DB
	caps Caps

	mu    sync.RWMutex
	cache map[string]*Node

	splitMu sync.Mutex
	splits  map[string]*sync.Mutex
}

// NewIndex builds the quadrant index.
func NewIndex(db *store.DB, caps Caps) *Index {
	if caps.MaxMemories <= 0 {
		caps = DefaultCaps()
	}
	return &Index{
		db:     db,
		caps:   caps,
		cache:  make(map[string]*Node),
		splits: make(map[string]*sync.Mutex),
	}
}

// nodeLock returns the advisory lock for one node, creating it on first
// use. Prevents concurrent split storms on the same node.
func (x *Index) nodeLock(id string) *sync.Mutex {
	x.splitMu.Lock()
	defer x.splitMu.Unlock()
	if l, ok := x.splits[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	x.splits[id] = l
	return l
}

// Root returns the project's level-0 node, creating it on first use.
func (x *Index) Root(ctx context.Context, projectPath string) (*Node, error) {
	row := x.db.Handle().QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM memory_quadrants
		WHERE project_path = ? AND level = 0`, projectPath)
	node, err := scanNode(row)
	if err == nil {
		x.cachePut(node)
		return node, nil
	}
	if err != sql.ErrNoRows {
		return nil, store.MapError(err)
	}

	root := &Node{
		ID:          uuid.NewString(),
		ProjectPath: projectPath,
		Name:        "root",
		Level:       0,
		Caps:        x.caps,
	}
	if err := x.insertNode(ctx, root); err != nil {
		return nil, err
	}
	return root, nil
}

// Assign places a memory's embedding into exactly one leaf: descend from
// the root picking the closest dimension-matching child, persist the
// assignment, update the leaf's running centroid and radius, and split
// when the leaf exceeds its cap.
func (x *Index) Assign(ctx context.Context, projectPath, memoryID string, embedding []float32) (*Assignment, error) {
	if len(embedding) == 0 {
		return nil, specerrors.New(specerrors.KindValidation, "cannot assign an empty embedding")
	}

	root, err := x.Root(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	leaf, err := x.descend(ctx, root, embedding)
	if err != nil {
		return nil, err
	}

	lock := x.nodeLock(leaf.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent split may have given it
	// children.
	leaf, err = x.Get(ctx, leaf.ID)
	if err != nil {
		return nil, err
	}
	if !leaf.Leaf() {
		deeper, err := x.descend(ctx, leaf, embedding)
		if err != nil {
			return nil, err
		}
		leaf = deeper
	}

	dist := store.CosineDistance(centroidOrSelf(leaf.Centroid, embedding), embedding)
	a := &Assignment{
		MemoryID:   memoryID,
		QuadrantID: leaf.ID,
		Distance:   dist,
		AssignedAt: time.Now().UTC(),
	}

	err = x.db.Transaction(ctx, func(tx *sql.Tx) error {
		// A reassigned memory moves leaves; decrement the old one. When it
		// lands on the leaf it already occupies the count must not grow
		// either, so a leaf's count always equals its assignment rows.
		var oldLeaf string
		scanErr := tx.QueryRowContext(ctx,
			`SELECT quadrant_id FROM quadrant_assignments WHERE memory_id = ?`, memoryID).Scan(&oldLeaf)
		if scanErr != nil && scanErr != sql.ErrNoRows {
			return store.MapError(scanErr)
		}
		sameLeaf := scanErr == nil && oldLeaf == leaf.ID
		if scanErr == nil && !sameLeaf {
			if _, execErr := tx.ExecContext(ctx, `
				UPDATE memory_quadrants SET memory_count = MAX(0, memory_count - 1)
				WHERE id = ?`, oldLeaf); execErr != nil {
				return store.MapError(execErr)
			}
		}

		if _, execErr := tx.ExecContext(ctx, `
			INSERT INTO quadrant_assignments (memory_id, quadrant_id, distance_to_centroid, assigned_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(memory_id) DO UPDATE SET
				quadrant_id = excluded.quadrant_id,
				distance_to_centroid = excluded.distance_to_centroid,
				assigned_at = excluded.assigned_at`,
			a.MemoryID, a.QuadrantID, a.Distance, a.AssignedAt); execErr != nil {
			return store.MapError(execErr)
		}

		updated := updateRunningCentroid(leaf, embedding, dist, !sameLeaf)
		if _, execErr := tx.ExecContext(ctx, `
			UPDATE memory_quadrants
			SET centroid = ?, radius = ?, memory_count = ?
			WHERE id = ?`,
			store.EncodeVector(updated.Centroid), updated.Radius, updated.MemoryCount, leaf.ID); execErr != nil {
			return store.MapError(execErr)
		}
		*leaf = *updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	x.cachePut(leaf)

	if leaf.MemoryCount > x.caps.MaxMemories {
		if splitErr := x.split(ctx, leaf); splitErr != nil {
			// A failed split leaves an over-full but correct leaf.
			return a, nil
		}
	}
	return a, nil
}

// descend walks from node to a leaf, choosing at each level the child with
// the smallest cosine distance whose centroid matches the embedding's
// dimension. Subtrees with mismatched or empty centroids are skipped; if
// every child is skipped the current node acts as the leaf.
func (x *Index) descend(ctx context.Context, node *Node, embedding []float32) (*Node, error) {
	for !node.Leaf() {
		var best *Node
		bestDist := 0.0
		for _, childID := range node.ChildIDs {
			child, err := x.Get(ctx, childID)
			if err != nil {
				continue
			}
			if len(child.Centroid) != len(embedding) {
				continue
			}
			d := store.CosineDistance(child.Centroid, embedding)
			if best == nil || d < bestDist {
				best = child
				bestDist = d
			}
		}
		if best == nil {
			return node, nil
		}
		node = best
	}
	return node, nil
}

// updateRunningCentroid folds one embedding into the leaf's incremental
// mean and expands the radius. grow is false for a same-leaf
// reassignment, which refreshes the centroid without adding a member.
func updateRunningCentroid(leaf *Node, embedding []float32, dist float64, grow bool) *Node {
	updated := *leaf
	if grow {
		updated.MemoryCount = leaf.MemoryCount + 1
	}

	if len(leaf.Centroid) != len(embedding) {
		// First assignment, or a dimension change: adopt the embedding.
		updated.Centroid = append([]float32(nil), embedding...)
		updated.Radius = 0
		return &updated
	}

	n := float32(updated.MemoryCount)
	if n < 1 {
		n = 1
	}
	centroid := make([]float32, len(leaf.Centroid))
	for i := range centroid {
		centroid[i] = leaf.Centroid[i] + (embedding[i]-leaf.Centroid[i])/n
	}
	updated.Centroid = centroid
	if dist > updated.Radius {
		updated.Radius = dist
	}
	return &updated
}

func centroidOrSelf(centroid, embedding []float32) []float32 {
	if len(centroid) == len(embedding) {
		return centroid
	}
	return embedding
}

// Get fetches a node by id, via the cache.
func (x *Index) Get(ctx context.Context, id string) (*Node, error) {
	x.mu.RLock()
	if n, ok := x.cache[id]; ok {
		x.mu.RUnlock()
		clone := *n
		return &clone, nil
	}
	x.mu.RUnlock()

	row := x.db.Handle().QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM memory_quadrants WHERE id = ?`, id)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, specerrors.NotFound("quadrant", id)
	}
	if err != nil {
		return nil, store.MapError(err)
	}
	x.cachePut(node)
	return node, nil
}

// Members returns the memory ids assigned to a leaf.
func (x *Index) Members(ctx context.Context, quadrantID string) ([]string, error) {
	rows, err := x.db.Handle().QueryContext(ctx,
		`SELECT memory_id FROM quadrant_assignments WHERE quadrant_id = ?`, quadrantID)
	if err != nil {
		return nil, store.MapError(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, store.MapError(err)
		}
		ids = append(ids, id)
	}
	return ids, store.MapError(rows.Err())
}

// Reset deletes the project's tree. Called when a dimension change makes
// every centroid stale; assignments rebuild on subsequent writes.
func (x *Index) Reset(ctx context.Context, projectPath string) error {
	err := x.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, execErr := tx.ExecContext(ctx, `
			DELETE FROM quadrant_assignments WHERE quadrant_id IN
				(SELECT id FROM memory_quadrants WHERE project_path = ?)`, projectPath); execErr != nil {
			return store.MapError(execErr)
		}
		_, execErr := tx.ExecContext(ctx,
			`DELETE FROM memory_quadrants WHERE project_path = ?`, projectPath)
		return store.MapError(execErr)
	})
	if err != nil {
		return err
	}
	x.InvalidateCache()
	return nil
}

// InvalidateCache drops every cached node.
func (x *Index) InvalidateCache() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cache = make(map[string]*Node)
}

func (x *Index) cachePut(n *Node) {
	clone := *n
	x.mu.Lock()
	x.cache[n.ID] = &clone
	x.mu.Unlock()
}

const nodeColumns = `id, project_path, name, level, parent_id, child_ids, centroid, radius,
	keywords, memory_count, tags, max_memories, min_memories, max_radius`

func (x *Index) insertNode(ctx context.Context, n *Node) error {
	childIDs, _ := json.Marshal(emptyIfNil(n.ChildIDs))
	keywords, _ := json.Marshal(emptyIfNil(n.Keywords))
	tags, _ := json.Marshal(emptyIfNil(n.Tags))

	var parent any
	if n.ParentID != "" {
		parent = n.ParentID
	}
	err := x.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO memory_quadrants (`+nodeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.ProjectPath, n.Name, n.Level, parent, string(childIDs),
			store.EncodeVector(n.Centroid), n.Radius, string(keywords),
			n.MemoryCount, string(tags), n.Caps.MaxMemories, n.Caps.MinMemories, n.Caps.MaxRadius)
		return store.MapError(execErr)
	})
	if err != nil {
		return err
	}
	x.cachePut(n)
	return nil
}

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	var parent sql.NullString
	var childIDs, keywords, tags string
	var centroid []byte

	err := row.Scan(&n.ID, &n.ProjectPath, &n.Name, &n.Level, &parent, &childIDs,
		&centroid, &n.Radius, &keywords, &n.MemoryCount, &tags,
		&n.Caps.MaxMemories, &n.Caps.MinMemories, &n.Caps.MaxRadius)
	if err != nil {
		return nil, err
	}
	n.ParentID = parent.String
	if err := json.Unmarshal([]byte(childIDs), &n.ChildIDs); err != nil {
		return nil, specerrors.Wrap(specerrors.KindInternal, "unmarshal child ids", err)
	}
	if err := json.Unmarshal([]byte(keywords), &n.Keywords); err != nil {
		return nil, specerrors.Wrap(specerrors.KindInternal, "unmarshal keywords", err)
	}
	if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
		return nil, specerrors.Wrap(specerrors.KindInternal, "unmarshal tags", err)
	}
	if n.Centroid, err = store.DecodeVector(centroid); err != nil {
		return nil, err
	}
	return &n, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
