package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat32BlobRoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.75, 0}

	blob := float32ArrayToBLOB(vec)
	require.Len(t, blob, len(vec)*4)

	got, err := blobToFloat32Array(blob, len(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, got)
}

func TestBlobToFloat32Array_WrongDim(t *testing.T) {
	blob := float32ArrayToBLOB([]float32{1, 2, 3})

	_, err := blobToFloat32Array(blob, 4)
	require.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"45 degrees", []float32{1, 0}, []float32{1, 1}, 0.7071067811865475},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0.0},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, cosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestRoundScore(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{1.0, 1.0},
		{0.7071067811865475, 0.707},
		{0.12345, 0.123},
		{0.9996, 1.0},
		{0.0, 0.0},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, roundScore(tt.in), 1e-12)
	}
}
