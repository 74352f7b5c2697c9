package memindex

import (
	"encoding/binary"
	"fmt"
	"math"
)

// encodeVector serialises v as concatenated little-endian 32-bit floats.
func encodeVector(v []float32) []byte {
	out := make([]byte, 0, len(v)*4)
	for _, f := range v {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
	}
	return out
}

// decodeVector parses a blob produced by encodeVector. The blob length must
// be exactly 4·dim bytes.
func decodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob) != dim*4 {
		return nil, fmt.Errorf("vector blob is %d bytes, want %d for dimension %d", len(blob), dim*4, dim)
	}
	out := make([]float32, dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, nil
}

// cosineSimilarity returns the cosine of the angle between a and b, clamped
// to [0, 1]. Mismatched lengths or zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
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
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return min(max(sim, 0), 1)
}
