package store

import (
	"encoding/binary"
	"math"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
)

// EncodeVector serializes an embedding as a little-endian float32 BLOB.
// Returns nil for an empty vector so sparse rows store SQL NULL.
func EncodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector deserializes a float32 BLOB written by EncodeVector.
// A nil or empty blob decodes to nil (no embedding).
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob)%4 != 0 {
		return nil, specerrors.Newf(specerrors.KindStoreOther,
			"malformed embedding blob: %d bytes is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, in
// [-1, 1]. Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineDistance is 1 - CosineSimilarity, in [0, 2].
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}

// L2Normalize scales vec to unit length in place and returns it.
// The all-zero vector is returned unchanged.
func L2Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec
}
