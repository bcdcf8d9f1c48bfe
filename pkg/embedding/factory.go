package embedding

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// ProviderFactory builds embedders on demand from one provider's connection
// settings. Search discovers model names from the index at query time and
// asks the factory for a client per model.
type ProviderFactory struct {
	Provider string // openai, ollama, mock
	BaseURL  string
	APIKey   string

	// DefaultDimensions applies when the provider cannot infer a model's
	// dimensionality. Query embedding only consumes the vectors, so the
	// value never reaches the index mapping there.
	DefaultDimensions int

	Logger hclog.Logger

	mu    sync.Mutex
	cache map[string]Embedder
}

// ForModel returns a cached or newly built embedder for the model.
func (f *ProviderFactory) ForModel(model string) (Embedder, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.cache[model]; ok {
		return e, nil
	}
	e, err := f.build(model)
	if err != nil {
		return nil, err
	}
	if f.cache == nil {
		f.cache = make(map[string]Embedder)
	}
	f.cache[model] = e
	return e, nil
}

func (f *ProviderFactory) build(model string) (Embedder, error) {
	switch f.Provider {
	case "ollama":
		dims := f.DefaultDimensions
		if dims <= 0 {
			dims = 768
		}
		return NewOllamaEmbedder(OllamaConfig{
			BaseURL:    f.BaseURL,
			Model:      model,
			Dimensions: dims,
			Logger:     f.Logger,
		})
	case "openai", "":
		cfg := OpenAIConfig{
			APIKey:  f.APIKey,
			BaseURL: f.BaseURL,
			Model:   model,
			Logger:  f.Logger,
		}
		if _, known := knownOpenAIDimensions[model]; !known {
			cfg.Dimensions = f.DefaultDimensions
			if cfg.Dimensions <= 0 {
				cfg.Dimensions = 1536
			}
		}
		return NewOpenAIEmbedder(cfg)
	case "mock":
		dims := f.DefaultDimensions
		if dims <= 0 {
			dims = 8
		}
		return NewMockEmbedder(model, dims), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", f.Provider)
	}
}
