package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

// MockEmbedder is a deterministic in-memory embedder for tests and local
// development. Vectors are derived from a hash of the input text, so equal
// texts always embed to equal vectors.
type MockEmbedder struct {
	ModelName string
	Dims      int
	Err       error // returned from every Embed call when set

	mu    sync.Mutex
	calls [][]string
}

// NewMockEmbedder creates a mock embedder with the given model and dimension.
func NewMockEmbedder(model string, dims int) *MockEmbedder {
	return &MockEmbedder{ModelName: model, Dims: dims}
}

// Name returns the provider name.
func (m *MockEmbedder) Name() string { return "mock" }

// Model returns the model identifier.
func (m *MockEmbedder) Model() string { return m.ModelName }

// Dim returns the output dimensionality.
func (m *MockEmbedder) Dim() int { return m.Dims }

// Embed returns deterministic vectors derived from the input texts.
func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	recorded := make([]string, len(texts))
	copy(recorded, texts)
	m.calls = append(m.calls, recorded)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = m.vectorFor(text)
	}
	return vectors, nil
}

// Calls returns a copy of every batch passed to Embed.
func (m *MockEmbedder) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Embed invocations.
func (m *MockEmbedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *MockEmbedder) vectorFor(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, m.Dims)
	for i := range vec {
		word := binary.BigEndian.Uint32(sum[(i*4)%28 : (i*4)%28+4])
		vec[i] = float32(word%1000)/1000.0 - 0.5
	}
	return vec
}

// StaticFactory returns the same embedder for every requested model, with
// the model name substituted. Useful in tests and single-provider deploys.
type StaticFactory struct {
	// Embedders maps model identifiers to pre-built embedders.
	Embedders map[string]Embedder
}

// ForModel returns the embedder registered for the model.
func (f *StaticFactory) ForModel(model string) (Embedder, error) {
	e, ok := f.Embedders[model]
	if !ok {
		return nil, &UnknownModelError{Model: model}
	}
	return e, nil
}

// UnknownModelError reports a model with no registered embedder.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return "no embedder registered for model " + e.Model
}
