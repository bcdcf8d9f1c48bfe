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

// OllamaEmbedder calls a local Ollama /api/embed endpoint.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
	logger     hclog.Logger
}

// OllamaConfig holds configuration for the Ollama client.
type OllamaConfig struct {
	BaseURL    string // default: http://localhost:11434
	Model      string
	Dimensions int
	Timeout    time.Duration // default 60s
	Logger     hclog.Logger
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaEmbedder creates an Ollama embedder.
func NewOllamaEmbedder(cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions are required for Ollama models")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &OllamaEmbedder{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger.Named("ollama-embedder"),
	}, nil
}

// Name returns the provider name.
func (c *OllamaEmbedder) Name() string { return "ollama" }

// Model returns the model identifier.
func (c *OllamaEmbedder) Model() string { return c.model }

// Dim returns the output dimensionality.
func (c *OllamaEmbedder) Dim() int { return c.dimensions }

// Embed generates one vector per input text.
func (c *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	raw, err := json.Marshal(ollamaEmbedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d vectors for %d inputs", len(parsed.Embeddings), len(texts))
	}
	for i, v := range parsed.Embeddings {
		if len(v) != c.dimensions {
			return nil, fmt.Errorf("vector %d has dimension %d, expected %d", i, len(v), c.dimensions)
		}
	}

	return parsed.Embeddings, nil
}
