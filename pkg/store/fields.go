package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// ChunkEmbeddingFieldPrefix prefixes every dynamic vector field name.
const ChunkEmbeddingFieldPrefix = "chunk_embedding_"

// LegacyEmbeddingField is the pre-dynamic-field vector field name. New writes
// never target it; search keeps it as a read-side fallback for indices
// created before model-tagged fields existed.
const LegacyEmbeddingField = "chunk_embedding"

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Normalize converts an embedding model name into a mapping-safe suffix.
// Lowercase, with runs of any non-alphanumeric characters collapsed to a
// single underscore and leading/trailing underscores trimmed. Idempotent.
func Normalize(model string) string {
	s := strings.ToLower(model)
	s = nonAlnum.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// FieldFor returns the knn_vector field name for an embedding model.
func FieldFor(model string) string {
	return ChunkEmbeddingFieldPrefix + Normalize(model)
}

// MappingWriter is the slice of the store the field registry needs.
type MappingWriter interface {
	PutMapping(ctx context.Context, body map[string]interface{}) error
}

// FieldRegistry guarantees that a model's vector field exists in the index
// mapping before the first chunk carrying that vector is written.
type FieldRegistry struct {
	store  MappingWriter
	method KNNMethod
	logger hclog.Logger
}

// FieldRegistryConfig configures a FieldRegistry.
type FieldRegistryConfig struct {
	Store  MappingWriter
	Method KNNMethod // zero value uses DefaultKNNMethod
	Logger hclog.Logger
}

// NewFieldRegistry creates a FieldRegistry.
func NewFieldRegistry(cfg FieldRegistryConfig) (*FieldRegistry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Method.Name == "" {
		cfg.Method = DefaultKNNMethod()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &FieldRegistry{
		store:  cfg.Store,
		method: cfg.Method,
		logger: cfg.Logger.Named("field-registry"),
	}, nil
}

// Ensure declares FieldFor(model) as a knn_vector of the given dimension,
// along with the embedding_model and embedding_dimensions metadata fields.
// Idempotent: mapping conflicts from an already-declared field are success.
func (r *FieldRegistry) Ensure(ctx context.Context, model string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension %d for model %q", dimension, model)
	}

	field := FieldFor(model)
	body := map[string]interface{}{
		"properties": map[string]interface{}{
			field: map[string]interface{}{
				"type":      "knn_vector",
				"dimension": dimension,
				"method":    r.method.mapping(),
			},
			"embedding_model":      map[string]interface{}{"type": "keyword"},
			"embedding_dimensions": map[string]interface{}{"type": "integer"},
		},
	}

	if err := r.store.PutMapping(ctx, body); err != nil {
		if isExistingFieldError(err) {
			r.logger.Debug("vector field already mapped", "field", field)
			return nil
		}
		return fmt.Errorf("failed to ensure vector field %s: %w", field, err)
	}

	r.logger.Info("ensured vector field mapping",
		"field", field,
		"model", model,
		"dimension", dimension,
	)
	return nil
}

// isExistingFieldError recognizes mapping responses that mean the field is
// already declared, which Ensure treats as success.
func isExistingFieldError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "mapper_parsing_exception") ||
		strings.Contains(msg, "mapper parsing")
}
