// Package config loads the Quarry server configuration: an HCL file plus a
// small set of environment overrides snapshotted at load time. Hot paths
// never read the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/iancoleman/strcase"
)

// Config is the root configuration.
type Config struct {
	Server     *ServerConfig     `hcl:"server,block"`
	Store      *StoreConfig      `hcl:"store,block"`
	Embedding  *EmbeddingConfig  `hcl:"embedding,block"`
	Tasks      *TasksConfig      `hcl:"tasks,block"`
	Connectors *ConnectorsConfig `hcl:"connectors,block"`
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Addr string `hcl:"addr,optional"`

	// WebhookBaseURL is the externally reachable base used to compose
	// connector webhook callbacks.
	WebhookBaseURL string `hcl:"webhook_base_url,optional"`
}

// StoreConfig is the search store connection.
type StoreConfig struct {
	Addresses     []string `hcl:"addresses"`
	Username      string   `hcl:"username,optional"`
	Password      string   `hcl:"password,optional"`
	Index         string   `hcl:"index,optional"`
	SkipTLSVerify bool     `hcl:"skip_tls_verify,optional"`

	KNN *KNNConfig `hcl:"knn,block"`
}

// KNNConfig overrides the ANN method declared on vector fields.
type KNNConfig struct {
	Name           string `hcl:"name,optional"`
	Engine         string `hcl:"engine,optional"`
	SpaceType      string `hcl:"space_type,optional"`
	EfConstruction int    `hcl:"ef_construction,optional"`
	M              int    `hcl:"m,optional"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider       string `hcl:"provider,optional"` // openai, ollama, mock
	Model          string `hcl:"model"`
	Dimensions     int    `hcl:"dimensions,optional"`
	BaseURL        string `hcl:"base_url,optional"`
	APIKey         string `hcl:"api_key,optional"`
	MaxBatchTokens int    `hcl:"max_batch_tokens,optional"`
}

// TasksConfig tunes the task engine.
type TasksConfig struct {
	MaxWorkers     int `hcl:"max_workers,optional"`
	RetentionHours int `hcl:"retention_hours,optional"`
}

// ConnectorsConfig locates connector state and OAuth client credentials.
type ConnectorsConfig struct {
	RegistryPath string `hcl:"registry_path,optional"`

	OAuth []OAuthConfig `hcl:"oauth,block"`
}

// OAuthConfig is the OAuth client for one connector provider. Endpoint URLs
// default to the provider's well-known endpoints when omitted.
type OAuthConfig struct {
	Provider     string   `hcl:"provider,label"`
	ClientID     string   `hcl:"client_id"`
	ClientSecret string   `hcl:"client_secret,optional"`
	AuthURL      string   `hcl:"auth_url,optional"`
	TokenURL     string   `hcl:"token_url,optional"`
	Scopes       []string `hcl:"scopes,optional"`
}

// Load reads the HCL file at path and applies environment overrides. An
// empty path yields a default configuration driven by the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", path)
		}
		if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file: %w", err)
		}
	}
	cfg.setDefaults()
	cfg.applyEnv(os.Getenv)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8700"
	}
	if c.Store == nil {
		c.Store = &StoreConfig{}
	}
	if c.Store.Index == "" {
		c.Store.Index = "quarry-chunks"
	}
	if c.Embedding == nil {
		c.Embedding = &EmbeddingConfig{}
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Tasks == nil {
		c.Tasks = &TasksConfig{}
	}
	if c.Connectors == nil {
		c.Connectors = &ConnectorsConfig{}
	}
	if c.Connectors.RegistryPath == "" {
		c.Connectors.RegistryPath = "connections.json"
	}
}

// envKey derives the override key for a config field name.
func envKey(field string) string {
	return strcase.ToScreamingSnake(field)
}

// applyEnv layers environment overrides onto the loaded file. getenv is
// injected so tests need not mutate the process environment.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(envKey("MaxWorkers")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Tasks.MaxWorkers = n
		}
	}
	if v := getenv(envKey("WebhookBaseUrl")); v != "" {
		c.Server.WebhookBaseURL = strings.TrimRight(v, "/")
	}
	if v := getenv(envKey("EmbeddingModel")); v != "" {
		c.Embedding.Model = v
	}
	if v := getenv(envKey("StoreAddresses")); v != "" {
		c.Store.Addresses = strings.Split(v, ",")
	}
	if v := getenv(envKey("StoreUsername")); v != "" {
		c.Store.Username = v
	}
	if v := getenv(envKey("StorePassword")); v != "" {
		c.Store.Password = v
	}
	if v := getenv(envKey("StoreIndex")); v != "" {
		c.Store.Index = v
	}
}

func (c *Config) validate() error {
	if len(c.Store.Addresses) == 0 {
		return fmt.Errorf("store.addresses is required (or STORE_ADDRESSES)")
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding.model is required (or EMBEDDING_MODEL)")
	}
	switch c.Embedding.Provider {
	case "openai", "ollama", "mock":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	return nil
}
