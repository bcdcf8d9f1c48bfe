// Package embedding provides the embedding provider contract and HTTP
// clients for OpenAI-compatible and Ollama backends.
//
// An Embedder is wired at construction time with a fixed model and reports
// its output dimensionality up front; nothing inspects the client at runtime
// to guess which model produced a vector.
package embedding

import (
	"context"
)

// Embedder generates fixed-dimension vectors for batches of text.
type Embedder interface {
	// Name returns the provider name (e.g., "openai", "ollama", "mock").
	Name() string

	// Model returns the model identifier. It tags indexed chunks and
	// derives the vector field name.
	Model() string

	// Dim returns the output dimensionality for this model.
	Dim() int

	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Factory builds embedders for models discovered at query time. Search uses
// it to fan out one query embedding per model present in the index.
type Factory interface {
	// ForModel returns an embedder for the given model identifier.
	ForModel(model string) (Embedder, error)
}
