package embedding

import (
	"context"
	"hash/fnv"
	"sync"
)

// MockEmbedder is a deterministic Embedder for tests. Scripted vectors take
// precedence; otherwise a stable pseudo-vector is derived from the text so
// identical texts embed identically.
type MockEmbedder struct {
	mu      sync.Mutex
	Dim     int
	Vectors map[string][]float32
	Err     error
	Calls   []string
}

// NewMockEmbedder creates a mock with the given dimension.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{
		Dim:     dim,
		Vectors: make(map[string][]float32),
	}
}

// Set scripts the vector returned for a given text.
func (m *MockEmbedder) Set(text string, vec []float32) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Vectors[text] = vec
	return m
}

// Embed implements Embedder.
func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, text)
	if m.Err != nil {
		return nil, m.Err
	}
	if vec, ok := m.Vectors[text]; ok {
		return vec, nil
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	vec := make([]float32, m.Dim)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33)) / float32(1<<31)
	}
	return vec, nil
}

// EmbedBatch implements Embedder.
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements Embedder.
func (m *MockEmbedder) Dimensions() int {
	return m.Dim
}
