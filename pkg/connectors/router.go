package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/quarrylabs/quarry/pkg/ingest"
	"github.com/quarrylabs/quarry/pkg/tasks"
)

// Webhook dispatch outcomes.
const (
	WebhookValidation     = "validation"
	WebhookNoChannel      = "ignored/no_channel_id"
	WebhookUnknownChannel = "ignored_unknown_channel"
	WebhookLoggedOnly     = "logged_only"
	WebhookTaskCreated    = "task_created"
)

// WebhookResult is the router's response to one provider notification.
type WebhookResult struct {
	Status         string `json:"status"`
	ValidationBody string `json:"-"`
	TaskID         string `json:"task_id,omitempty"`
	AffectedFiles  int    `json:"affected_files,omitempty"`
}

// TaskCreator is the slice of the task engine the router drives.
type TaskCreator interface {
	CreateCustomTask(userID string, itemKeys []string, fn tasks.ProcessFunc) (string, error)
}

// Ingestor is the slice of the ingestion pipeline the router drives.
type Ingestor interface {
	Ingest(ctx context.Context, src ingest.Source, identity ingest.Identity, prov ingest.Provenance) (*ingest.Result, error)
}

// ConnectorBuilder turns a connection into a live connector. Satisfied by
// Factory.New.
type ConnectorBuilder func(ctx context.Context, conn *Connection) (Connector, error)

// Router receives provider webhook notifications, resolves them to a
// connection, and turns the affected files into an ingestion job.
type Router struct {
	registry *Registry
	tasks    TaskCreator
	ingestor Ingestor
	build    ConnectorBuilder
	logger   hclog.Logger
}

// RouterConfig wires a Router.
type RouterConfig struct {
	Registry *Registry
	Tasks    TaskCreator
	Ingestor Ingestor
	Build    ConnectorBuilder
	Logger   hclog.Logger
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("task creator is required")
	}
	if cfg.Ingestor == nil {
		return nil, fmt.Errorf("ingestor is required")
	}
	if cfg.Build == nil {
		return nil, fmt.Errorf("connector builder is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Router{
		registry: cfg.Registry,
		tasks:    cfg.Tasks,
		ingestor: cfg.Ingestor,
		build:    cfg.Build,
		logger:   cfg.Logger.Named("webhook-router"),
	}, nil
}

// HandleWebhook runs the full routing sequence for one notification:
// validation handshake, channel resolution, connection lookup, provider
// change resolution, then job dispatch.
func (r *Router) HandleWebhook(ctx context.Context, provider, method string, headers http.Header, query url.Values, body []byte) (*WebhookResult, error) {
	if echo, ok := validationResponse(provider, query); ok {
		r.logger.Debug("webhook validation handshake", "provider", provider, "method", method)
		return &WebhookResult{Status: WebhookValidation, ValidationBody: echo}, nil
	}

	channelID := channelIDFrom(provider, headers, body)
	if channelID == "" {
		r.logger.Debug("notification carries no channel id", "provider", provider)
		return &WebhookResult{Status: WebhookNoChannel}, nil
	}

	conn, err := r.registry.FindByChannelID(channelID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		// Routine after channel auto-expiry; never an error.
		r.logger.Debug("no active connection for channel", "provider", provider, "channel_id", channelID)
		return &WebhookResult{Status: WebhookUnknownChannel}, nil
	}

	connector, err := r.build(ctx, conn)
	if err != nil {
		return nil, err
	}
	affected, err := connector.HandleWebhook(ctx, headers, body)
	if err != nil {
		return nil, err
	}

	// Resolving changes advances the connection's sync cursor (Graph keeps
	// its delta link in Config). Persist it even when nothing was in scope,
	// or the next notification re-walks the whole feed.
	if _, err := r.registry.Update(conn.UserID, conn.ID, func(stored *Connection) {
		stored.Config = conn.Config
	}); err != nil {
		r.logger.Warn("failed to persist connection state after webhook",
			"connection_id", conn.ID, "error", err)
	}

	if len(affected) == 0 {
		r.logger.Info("webhook resolved to no in-scope files",
			"provider", provider, "connection_id", conn.ID)
		return &WebhookResult{Status: WebhookLoggedOnly}, nil
	}

	taskID, err := r.tasks.CreateCustomTask(conn.UserID, affected, r.ingestProcessor(conn, connector))
	if err != nil {
		return nil, err
	}
	if err := r.registry.UpdateLastSync(conn.UserID, conn.ID, time.Now()); err != nil {
		r.logger.Warn("failed to stamp last sync", "connection_id", conn.ID, "error", err)
	}
	r.logger.Info("webhook dispatched ingestion job",
		"provider", provider,
		"connection_id", conn.ID,
		"task_id", taskID,
		"affected_files", len(affected),
	)
	return &WebhookResult{
		Status:        WebhookTaskCreated,
		TaskID:        taskID,
		AffectedFiles: len(affected),
	}, nil
}

// ingestProcessor pulls one provider file and runs it through the pipeline.
func (r *Router) ingestProcessor(conn *Connection, connector Connector) tasks.ProcessFunc {
	return func(ctx context.Context, fileID string) (map[string]interface{}, error) {
		content, err := connector.GetFileContent(ctx, fileID)
		if err != nil {
			return nil, err
		}
		res, err := r.ingestor.Ingest(ctx,
			ingest.Source{
				Content:  content.Bytes,
				Filename: content.Filename,
				Mimetype: content.Mimetype,
			},
			ingest.Identity{OwnerUserID: conn.UserID},
			ingest.Provenance{
				ConnectorType: conn.Type,
				SourceURL:     content.SourceURL,
				CreatedTime:   content.CreatedTime,
				ModifiedTime:  content.ModifiedTime,
				FileSize:      content.Size,
				ACL:           content.ACL,
			})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"document_id": res.DocumentID,
			"status":      res.Status,
		}, nil
	}
}

// validationResponse returns the provider's subscription handshake echo.
// Microsoft Graph posts a validationToken query parameter that must be
// returned verbatim; Drive has no handshake.
func validationResponse(provider string, query url.Values) (string, bool) {
	switch provider {
	case TypeOneDrive, TypeSharePoint:
		if token := query.Get("validationToken"); token != "" {
			return token, true
		}
	}
	return "", false
}

// channelIDFrom extracts the provider's channel or subscription id.
func channelIDFrom(provider string, headers http.Header, body []byte) string {
	switch provider {
	case TypeGoogleDrive:
		return headers.Get("X-Goog-Channel-Id")
	case TypeOneDrive, TypeSharePoint:
		var notification struct {
			Value []struct {
				SubscriptionID string `json:"subscriptionId"`
			} `json:"value"`
		}
		if err := json.Unmarshal(body, &notification); err != nil {
			return ""
		}
		for _, v := range notification.Value {
			if v.SubscriptionID != "" {
				return v.SubscriptionID
			}
		}
	}
	return ""
}
