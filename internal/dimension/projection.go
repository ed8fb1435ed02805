// Package dimension reconciles embeddings of any length with the store's
// single declared vector dimension: discovery of the declared dimension,
// deterministic random projection between lengths, and the
// validate-and-prepare step every write path runs before persisting a
// vector.
package dimension

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

// projectionSeedPrefix pins the projection matrices: the same (m, n) pair
// yields byte-identical matrices in every process, so vectors projected at
// write time and query time always agree.
const projectionSeedPrefix = "specmem-projection"

// matrixCache holds generated projection matrices per (m, n) pair.
// Process-global like the dimension cache; matrices are immutable once
// built.
type matrixCache struct {
	mu       sync.RWMutex
	matrices map[[2]int][][]float32
}

var matrices = &matrixCache{matrices: make(map[[2]int][][]float32)}

// Project maps vec to the target dimension. Same length returns the input
// untouched; expansion multiplies by a seeded Gaussian matrix; contraction
// averages contiguous buckets. Projected outputs are L2-normalized.
func Project(vec []float32, target int) []float32 {
	if len(vec) == 0 || target <= 0 || len(vec) == target {
		return vec
	}
	if len(vec) < target {
		return expand(vec, target)
	}
	return contract(vec, target)
}

func expand(vec []float32, target int) []float32 {
	m := len(vec)
	matrix := matrices.get(m, target)

	out := make([]float32, target)
	for j := 0; j < target; j++ {
		var sum float64
		for i := 0; i < m; i++ {
			sum += float64(vec[i]) * float64(matrix[i][j])
		}
		out[j] = float32(sum)
	}
	return store.L2Normalize(out)
}

// contract averages contiguous buckets of the input. Bucket boundaries are
// computed by rounding i*m/n so every input coordinate lands in exactly one
// bucket.
func contract(vec []float32, target int) []float32 {
	m := len(vec)
	out := make([]float32, target)
	for j := 0; j < target; j++ {
		start := j * m / target
		end := (j + 1) * m / target
		if end <= start {
			end = start + 1
		}
		var sum float64
		for i := start; i < end && i < m; i++ {
			sum += float64(vec[i])
		}
		out[j] = float32(sum / float64(end-start))
	}
	return store.L2Normalize(out)
}

func (c *matrixCache) get(m, n int) [][]float32 {
	key := [2]int{m, n}
	c.mu.RLock()
	matrix, ok := c.matrices[key]
	c.mu.RUnlock()
	if ok {
		return matrix
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if matrix, ok := c.matrices[key]; ok {
		return matrix
	}
	matrix = buildMatrix(m, n)
	c.matrices[key] = matrix
	return matrix
}

// buildMatrix generates the m-by-n Gaussian projection matrix. The RNG is
// seeded from SHA-256 of a fixed string with both dimensions, entries are
// N(0, 1/n).
func buildMatrix(m, n int) [][]float32 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", projectionSeedPrefix, m, n)))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	scale := math.Sqrt(1 / float64(n))
	matrix := make([][]float32, m)
	for i := range matrix {
		row := make([]float32, n)
		for j := range row {
			row[j] = float32(rng.NormFloat64() * scale)
		}
		matrix[i] = row
	}
	return matrix
}

// PurgeMatrixCache drops cached matrices. Called on schema-change signals.
func PurgeMatrixCache() {
	matrices.mu.Lock()
	defer matrices.mu.Unlock()
	matrices.matrices = make(map[[2]int][][]float32)
}
