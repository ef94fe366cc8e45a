package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// MockClient produces deterministic vectors derived from the input text,
// so identical text always embeds identically and tests need no network.
type MockClient struct {
	dimension int
}

func NewMockClient(dimension int) *MockClient {
	if dimension <= 0 {
		dimension = 1536
	}
	return &MockClient{dimension: dimension}
}

func (c *MockClient) Dimension() int { return c.dimension }

func (c *MockClient) EmbedOne(_ context.Context, text string) ([]float32, error) {
	return c.vector(text), nil
}

func (c *MockClient) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = c.vector(t)
	}
	return out, nil
}

// vector expands a hash of the text into a unit vector.
func (c *MockClient) vector(text string) []float32 {
	seed := sha256.Sum256([]byte(text))
	v := make([]float32, c.dimension)
	var norm float64
	for i := range v {
		var buf [12]byte
		copy(buf[:8], seed[:8])
		binary.LittleEndian.PutUint32(buf[8:], uint32(i))
		h := sha256.Sum256(buf[:])
		bits := binary.LittleEndian.Uint32(h[:4])
		f := float64(bits)/float64(math.MaxUint32)*2 - 1
		v[i] = float32(f)
		norm += f * f
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range v {
			v[i] = float32(float64(v[i]) / norm)
		}
	}
	return v
}
