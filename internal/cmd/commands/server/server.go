// Package server implements the `quarry server` command: it wires the
// search store, embedding provider, parser pool, task engine, ingestion
// pipeline, connector registry, and webhook router into one HTTP service.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/spf13/afero"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/quarrylabs/quarry/internal/api"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/pkg/connectors"
	"github.com/quarrylabs/quarry/pkg/embedding"
	"github.com/quarrylabs/quarry/pkg/ingest"
	"github.com/quarrylabs/quarry/pkg/parser"
	"github.com/quarrylabs/quarry/pkg/search"
	"github.com/quarrylabs/quarry/pkg/store"
	"github.com/quarrylabs/quarry/pkg/tasks"
)

// Command runs the Quarry server.
type Command struct {
	Log hclog.Logger
	UI  cli.Ui

	flagConfig    string
	flagIngestDir string
}

func (c *Command) Synopsis() string {
	return "Run the Quarry server"
}

func (c *Command) Help() string {
	return `Usage: quarry server [options]

  Run the document ingestion and hybrid search service.

Options:

  -config=<path>
      Path to the HCL configuration file. When omitted, configuration
      comes from environment variables alone.

  -ingest-dir=<path>
      Enqueue an ingestion job for the supported files under this
      directory on startup, then keep serving.
`
}

func (c *Command) Run(args []string) int {
	f := flag.NewFlagSet("server", flag.ContinueOnError)
	f.StringVar(&c.flagConfig, "config", "", "path to configuration file")
	f.StringVar(&c.flagIngestDir, "ingest-dir", "", "directory to ingest on startup")
	if err := f.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(c.flagConfig)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error loading configuration: %v", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewClient(store.Config{
		Addresses: cfg.Store.Addresses,
		Username:  cfg.Store.Username,
		Password:  cfg.Store.Password,
		Index:     cfg.Store.Index,
		SkipTLS:   cfg.Store.SkipTLSVerify,
		KNNMethod: knnMethod(cfg.Store.KNN),
		Logger:    c.Log,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating store client: %v", err))
		return 1
	}
	if err := st.EnsureIndex(ctx); err != nil {
		c.UI.Error(fmt.Sprintf("error ensuring chunk index: %v", err))
		return 1
	}

	embedders := &embedding.ProviderFactory{
		Provider:          cfg.Embedding.Provider,
		BaseURL:           cfg.Embedding.BaseURL,
		APIKey:            cfg.Embedding.APIKey,
		DefaultDimensions: cfg.Embedding.Dimensions,
		Logger:            c.Log,
	}
	embedder, err := embedders.ForModel(cfg.Embedding.Model)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating embedder: %v", err))
		return 1
	}

	fields, err := store.NewFieldRegistry(store.FieldRegistryConfig{
		Store:  st,
		Method: knnMethod(cfg.Store.KNN),
		Logger: c.Log,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating field registry: %v", err))
		return 1
	}

	pool, err := parser.NewPool(parser.PoolConfig{
		Workers: cfg.Tasks.MaxWorkers,
		Logger:  c.Log,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error starting parser workers: %v", err))
		return 1
	}
	defer pool.Close()

	engine := tasks.NewEngine(tasks.Config{
		MaxWorkers:   cfg.Tasks.MaxWorkers,
		ParserPool:   pool,
		RetentionTTL: time.Duration(cfg.Tasks.RetentionHours) * time.Hour,
		Logger:       c.Log,
	})
	defer engine.Close()

	pipeline, err := ingest.NewPipeline(ingest.Config{
		Store:          st,
		Registry:       fields,
		Embedder:       embedder,
		Parser:         pool,
		MaxBatchTokens: cfg.Embedding.MaxBatchTokens,
		Logger:         c.Log,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating ingestion pipeline: %v", err))
		return 1
	}

	searcher, err := search.New(search.Config{
		Store:     st,
		Embedders: embedders,
		Model:     cfg.Embedding.Model,
		Logger:    c.Log,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating searcher: %v", err))
		return 1
	}

	registry, err := connectors.NewRegistry(connectors.RegistryConfig{
		Path:   cfg.Connectors.RegistryPath,
		Logger: c.Log,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error opening connection registry: %v", err))
		return 1
	}

	factory := &connectors.Factory{
		OAuth:  oauthConfigs(cfg.Connectors.OAuth),
		Logger: c.Log,
	}

	connSvc, err := connectors.NewService(connectors.ServiceConfig{
		Registry:       registry,
		Build:          factory.New,
		WebhookBaseURL: cfg.Server.WebhookBaseURL,
		Logger:         c.Log,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating connection service: %v", err))
		return 1
	}

	router, err := connectors.NewRouter(connectors.RouterConfig{
		Registry: registry,
		Tasks:    engine,
		Ingestor: pipeline,
		Build:    factory.New,
		Logger:   c.Log,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating webhook router: %v", err))
		return 1
	}

	if c.flagIngestDir != "" {
		files, err := ingest.CollectFiles(afero.NewOsFs(), c.flagIngestDir, ingest.WalkOptions{Recursive: true})
		if err != nil {
			c.UI.Error(fmt.Sprintf("error walking ingest directory: %v", err))
			return 1
		}
		if len(files) > 0 {
			jobID, err := engine.CreateUploadTask("local", files, func(ctx context.Context, path string) (map[string]interface{}, error) {
				res, err := pipeline.Ingest(ctx, ingest.Source{Path: path}, ingest.Identity{}, ingest.Provenance{ConnectorType: "local"})
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"document_id": res.DocumentID, "status": res.Status}, nil
			})
			if err != nil {
				c.UI.Error(fmt.Sprintf("error enqueueing startup ingestion: %v", err))
				return 1
			}
			c.UI.Info(fmt.Sprintf("enqueued startup ingestion job %s (%d files)", jobID, len(files)))
		}
	}

	srv := &api.Server{
		Logger:      c.Log,
		Search:      searcher,
		Ingest:      pipeline,
		Tasks:       engine,
		Connections: connSvc,
		Webhooks:    router,
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	c.UI.Info(fmt.Sprintf("Quarry server listening on %s", cfg.Server.Addr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.UI.Error(fmt.Sprintf("server error: %v", err))
			return 1
		}
	case <-ctx.Done():
		c.UI.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			c.UI.Error(fmt.Sprintf("shutdown error: %v", err))
			return 1
		}
	}
	return 0
}

// knnMethod maps the config block onto the store's ANN method, falling back
// to the deployment default for unset fields.
func knnMethod(cfg *config.KNNConfig) store.KNNMethod {
	m := store.DefaultKNNMethod()
	if cfg == nil {
		return m
	}
	if cfg.Name != "" {
		m.Name = cfg.Name
	}
	if cfg.Engine != "" {
		m.Engine = cfg.Engine
	}
	if cfg.SpaceType != "" {
		m.SpaceType = cfg.SpaceType
	}
	if cfg.EfConstruction > 0 {
		m.EfConstruction = cfg.EfConstruction
	}
	if cfg.M > 0 {
		m.M = cfg.M
	}
	return m
}

// oauthConfigs builds per-provider OAuth clients, defaulting endpoint URLs
// to each provider's well-known endpoints.
func oauthConfigs(blocks []config.OAuthConfig) map[string]*oauth2.Config {
	out := make(map[string]*oauth2.Config, len(blocks))
	for _, b := range blocks {
		endpoint := defaultEndpoint(b.Provider)
		if b.AuthURL != "" {
			endpoint.AuthURL = b.AuthURL
		}
		if b.TokenURL != "" {
			endpoint.TokenURL = b.TokenURL
		}
		out[b.Provider] = &oauth2.Config{
			ClientID:     b.ClientID,
			ClientSecret: b.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       b.Scopes,
		}
	}
	return out
}

func defaultEndpoint(provider string) oauth2.Endpoint {
	switch provider {
	case connectors.TypeOneDrive, connectors.TypeSharePoint:
		return oauth2.Endpoint{
			AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
			TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		}
	default:
		return googleoauth.Endpoint
	}
}
