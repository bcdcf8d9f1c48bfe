package embedding

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackEncoding is used when a model has no registered tokenizer.
const fallbackEncoding = "cl100k_base"

// DefaultMaxBatchTokens bounds the token total of a single Embed batch.
const DefaultMaxBatchTokens = 8000

// Tokenizer counts and splits text in model token units.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer returns a tokenizer for the model, falling back to the
// cl100k_base encoding when the model is unknown.
func NewTokenizer(model string) (*Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback tokenizer: %w", err)
		}
	}
	return &Tokenizer{enc: enc}, nil
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Split divides text into pieces of at most maxTokens tokens each. Text at
// or under the limit comes back unchanged as a single piece.
func (t *Tokenizer) Split(text string, maxTokens int) []string {
	if maxTokens <= 0 {
		return []string{text}
	}
	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return []string{text}
	}

	pieces := make([]string, 0, (len(tokens)+maxTokens-1)/maxTokens)
	for start := 0; start < len(tokens); start += maxTokens {
		end := start + maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		pieces = append(pieces, t.enc.Decode(tokens[start:end]))
	}
	return pieces
}
