package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
)

// VectorHit is one approximate-nearest-neighbor result. Score is a
// normalized cosine similarity in [0, 1].
type VectorHit struct {
	MemoryID string
	Distance float32
	Score    float32
}

// ANNIndex is an in-process HNSW graph over memory embeddings, keyed by
// memory id. It mirrors rows in the memories table: SQLite holds the truth,
// the graph holds the speed. Deletions are lazy (mapping removal only);
// Rebuild compacts orphans away.
type ANNIndex struct {
	mu   sync.RWMutex
	dim  int
	path string

	graph  *hnsw.Graph[uint64]
	ids    map[string]uint64
	keys   map[uint64]string
	next   uint64
	closed bool
}

type annMetadata struct {
	IDs       map[string]uint64
	NextKey   uint64
	Dimension int
}

// NewANNIndex creates an empty index for vectors of the given dimension.
// path is where Save/Load persist the graph; empty disables persistence.
func NewANNIndex(dim int, path string) *ANNIndex {
	return &ANNIndex{
		dim:   dim,
		path:  path,
		graph: newGraph(),
		ids:   make(map[string]uint64),
		keys:  make(map[uint64]string),
	}
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	return g
}

// Dimension returns the vector length this index accepts.
func (a *ANNIndex) Dimension() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dim
}

// Add inserts or replaces vectors. Replacement is lazy: the old graph node
// is orphaned, not removed, because deleting nodes destabilizes the graph.
func (a *ANNIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return specerrors.Newf(specerrors.KindValidation,
			"ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return specerrors.New(specerrors.KindStoreConnection, "ann index is closed")
	}

	for _, v := range vectors {
		if len(v) != a.dim {
			return specerrors.Newf(specerrors.KindDimensionMismatch,
				"vector dimension %d does not match index dimension %d", len(v), a.dim)
		}
	}

	for i, id := range ids {
		if oldKey, ok := a.ids[id]; ok {
			delete(a.keys, oldKey)
			delete(a.ids, id)
		}

		key := a.next
		a.next++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		L2Normalize(vec)

		a.graph.Add(hnsw.MakeNode(key, vec))
		a.ids[id] = key
		a.keys[key] = id
	}
	return nil
}

// Search returns up to k nearest neighbors of query, best first. Orphaned
// nodes are filtered out of the results.
func (a *ANNIndex) Search(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, specerrors.New(specerrors.KindStoreConnection, "ann index is closed")
	}
	if len(query) != a.dim {
		return nil, specerrors.Newf(specerrors.KindDimensionMismatch,
			"query dimension %d does not match index dimension %d", len(query), a.dim)
	}
	if a.graph.Len() == 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	L2Normalize(q)

	nodes := a.graph.Search(q, k)
	hits := make([]VectorHit, 0, len(nodes))
	for _, node := range nodes {
		id, ok := a.keys[node.Key]
		if !ok {
			continue
		}
		dist := a.graph.Distance(q, node.Value)
		hits = append(hits, VectorHit{
			MemoryID: id,
			Distance: dist,
			// Cosine distance spans [0, 2]; map to [0, 1] similarity.
			Score: 1 - dist/2,
		})
	}
	return hits, nil
}

// Delete removes vectors by memory id (lazy; the graph node is orphaned).
func (a *ANNIndex) Delete(ctx context.Context, ids []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return specerrors.New(specerrors.KindStoreConnection, "ann index is closed")
	}
	for _, id := range ids {
		if key, ok := a.ids[id]; ok {
			delete(a.keys, key)
			delete(a.ids, id)
		}
	}
	return nil
}

// Contains reports whether a memory id is indexed.
func (a *ANNIndex) Contains(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.ids[id]
	return ok
}

// Count returns the number of live (non-orphaned) vectors.
func (a *ANNIndex) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ids)
}

// Orphans returns how many lazily deleted nodes remain in the graph.
func (a *ANNIndex) Orphans() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.graph.Len() - len(a.ids)
}

// Reset discards the graph and adopts a new dimension. Called when the
// declared dimension changes; rows are re-added by the rebuild path.
func (a *ANNIndex) Reset(dim int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dim = dim
	a.graph = newGraph()
	a.ids = make(map[string]uint64)
	a.keys = make(map[uint64]string)
	a.next = 0
}

// Save writes the graph and id mappings next to each other, atomically
// (temp file then rename).
func (a *ANNIndex) Save() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return specerrors.New(specerrors.KindStoreConnection, "ann index is closed")
	}
	if a.path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return specerrors.Wrap(specerrors.KindStoreConnection, "create index directory", err)
	}

	tmp := a.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return specerrors.Wrap(specerrors.KindStoreConnection, "create index file", err)
	}
	if err := a.graph.Export(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return specerrors.Wrap(specerrors.KindStoreOther, "export graph", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return specerrors.Wrap(specerrors.KindStoreConnection, "close index file", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		_ = os.Remove(tmp)
		return specerrors.Wrap(specerrors.KindStoreConnection, "rename index file", err)
	}

	return a.saveMetadata(a.path + ".meta")
}

func (a *ANNIndex) saveMetadata(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return specerrors.Wrap(specerrors.KindStoreConnection, "create metadata file", err)
	}
	w := bufio.NewWriter(f)
	meta := annMetadata{IDs: a.ids, NextKey: a.next, Dimension: a.dim}
	if err := gob.NewEncoder(w).Encode(meta); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return specerrors.Wrap(specerrors.KindStoreOther, "encode metadata", err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return specerrors.Wrap(specerrors.KindStoreConnection, "flush metadata", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return specerrors.Wrap(specerrors.KindStoreConnection, "close metadata file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return specerrors.Wrap(specerrors.KindStoreConnection, "rename metadata file", err)
	}
	return nil
}

// Load restores a previously saved graph. A missing file is not an error;
// the index simply starts empty.
func (a *ANNIndex) Load() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.path == "" {
		return nil
	}

	f, err := os.Open(a.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return specerrors.Wrap(specerrors.KindStoreConnection, "open index file", err)
	}
	defer f.Close()

	graph := newGraph()
	if err := graph.Import(bufio.NewReader(f)); err != nil {
		return specerrors.Wrap(specerrors.KindStoreOther, "import graph", err)
	}

	mf, err := os.Open(a.path + ".meta")
	if err != nil {
		return specerrors.Wrap(specerrors.KindStoreConnection, "open metadata file", err)
	}
	defer mf.Close()

	var meta annMetadata
	if err := gob.NewDecoder(bufio.NewReader(mf)).Decode(&meta); err != nil {
		return specerrors.Wrap(specerrors.KindStoreOther, "decode metadata", err)
	}

	a.graph = graph
	a.ids = meta.IDs
	a.next = meta.NextKey
	a.dim = meta.Dimension
	a.keys = make(map[uint64]string, len(meta.IDs))
	for id, key := range meta.IDs {
		a.keys[key] = id
	}
	return nil
}

// Close marks the index unusable. Persistence is explicit via Save.
func (a *ANNIndex) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
