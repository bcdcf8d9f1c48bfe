package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

// knownOpenAIDimensions maps models to their default output dimensionality.
var knownOpenAIDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
	logger     hclog.Logger
}

// OpenAIConfig holds configuration for the OpenAI-compatible client.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string // default: https://api.openai.com/v1
	Model      string
	Dimensions int           // 0 = use the model's known default
	Timeout    time.Duration // default 60s
	Logger     hclog.Logger
}

// OpenAIEmbeddingsRequest is the /embeddings request body.
type OpenAIEmbeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// OpenAIEmbeddingsResponse is the /embeddings response body.
type OpenAIEmbeddingsResponse struct {
	Object string                `json:"object"`
	Data   []OpenAIEmbeddingData `json:"data"`
	Model  string                `json:"model"`
	Usage  OpenAIEmbeddingsUsage `json:"usage"`
}

// OpenAIEmbeddingData is one embedding in the response.
type OpenAIEmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// OpenAIEmbeddingsUsage reports token consumption.
type OpenAIEmbeddingsUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// NewOpenAIEmbedder creates an OpenAI-compatible embedder.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Dimensions == 0 {
		dim, ok := knownOpenAIDimensions[cfg.Model]
		if !ok {
			return nil, fmt.Errorf("unknown dimensions for model %q, set Dimensions explicitly", cfg.Model)
		}
		cfg.Dimensions = dim
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &OpenAIEmbedder{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger.Named("openai-embedder"),
	}, nil
}

// Name returns the provider name.
func (c *OpenAIEmbedder) Name() string { return "openai" }

// Model returns the model identifier.
func (c *OpenAIEmbedder) Model() string { return c.model }

// Dim returns the output dimensionality.
func (c *OpenAIEmbedder) Dim() int { return c.dimensions }

// Embed generates one vector per input text.
func (c *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	reqBody := OpenAIEmbeddingsRequest{
		Model: c.model,
		Input: texts,
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embeddings API returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed OpenAIEmbeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	// The API documents data ordering by index; enforce it anyway.
	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embeddings API returned out-of-range index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if len(v) != c.dimensions {
			return nil, fmt.Errorf("vector %d has dimension %d, expected %d", i, len(v), c.dimensions)
		}
	}

	c.logger.Debug("generated embeddings",
		"model", c.model,
		"texts", len(texts),
		"tokens_used", parsed.Usage.TotalTokens,
		"duration", time.Since(start),
	)

	return vectors, nil
}
