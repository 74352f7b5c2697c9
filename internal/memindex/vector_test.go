package memindex

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0, 1, -1, 0.5, math.Pi, -2.25e-3}
	blob := encodeVector(in)
	if len(blob) != len(in)*4 {
		t.Fatalf("blob is %d bytes, want %d", len(blob), len(in)*4)
	}

	out, err := decodeVector(blob, len(in))
	if err != nil {
		t.Fatalf("decodeVector: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("element %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestEncodeVector_LittleEndian(t *testing.T) {
	blob := encodeVector([]float32{1.0})
	want := binary.LittleEndian.Uint32(blob)
	if want != math.Float32bits(1.0) {
		t.Errorf("blob = %x, not little-endian float bits", blob)
	}
}

func TestDecodeVector_RejectsWrongLength(t *testing.T) {
	blob := encodeVector([]float32{1, 2, 3})
	if _, err := decodeVector(blob, 4); err == nil {
		t.Error("expected error for dimension mismatch")
	}
	if _, err := decodeVector(blob[:11], 3); err == nil {
		t.Error("expected error for truncated blob")
	}
	if _, err := decodeVector(nil, 1); err == nil {
		t.Error("expected error for nil blob")
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, want: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "opposite clamps to zero", a: []float32{1, 0}, b: []float32{-1, 0}, want: 0},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 1}, want: 0},
		{name: "length mismatch", a: []float32{1}, b: []float32{1, 0}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("cosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}
