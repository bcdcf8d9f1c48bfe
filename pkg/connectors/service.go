package connectors

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Service layers the provider-side lifecycle on top of the Registry:
// creating a connection authenticates against the provider and registers
// its webhook push channel; deleting tears the channel down first.
type Service struct {
	registry    *Registry
	build       ConnectorBuilder
	webhookBase string
	logger      hclog.Logger
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Registry *Registry
	Build    ConnectorBuilder

	// WebhookBaseURL is the externally reachable base URL providers push
	// notifications to. Empty disables channel registration; connections
	// are then poll-only.
	WebhookBaseURL string

	Logger hclog.Logger
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Build == nil {
		return nil, fmt.Errorf("connector builder is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Service{
		registry:    cfg.Registry,
		build:       cfg.Build,
		webhookBase: strings.TrimRight(cfg.WebhookBaseURL, "/"),
		logger:      cfg.Logger.Named("connector-service"),
	}, nil
}

// WebhookURL returns the push notification endpoint for a connector type,
// or "" when no base URL is configured.
func (s *Service) WebhookURL(connectorType string) string {
	if s.webhookBase == "" {
		return ""
	}
	return s.webhookBase + "/connectors/" + connectorType + "/webhook"
}

// Create persists the connection, authenticates against the provider, and
// registers a webhook push channel when a base URL is configured. Provider
// failures roll the record back; a connection is never left half-created.
func (s *Service) Create(ctx context.Context, conn Connection) (*Connection, error) {
	created, err := s.registry.Create(conn)
	if err != nil {
		return nil, err
	}

	connector, err := s.build(ctx, created)
	if err != nil {
		s.rollback(created)
		return nil, err
	}
	if _, err := connector.Authenticate(ctx); err != nil {
		s.rollback(created)
		return nil, fmt.Errorf("connector authentication failed: %w", err)
	}

	// S3 has no push notifications; those connections stay poll-only.
	if s.webhookBase != "" && created.Type != TypeS3 {
		channelID, err := connector.SetupSubscription(ctx, s.WebhookURL(created.Type))
		if err != nil {
			s.rollback(created)
			return nil, fmt.Errorf("failed to register webhook channel: %w", err)
		}

		// SetupSubscription records channel state on the connector's copy
		// of the connection; persist it so webhook routing can resolve the
		// channel back to this connection.
		updated, err := s.registry.Update(created.UserID, created.ID, func(stored *Connection) {
			stored.WebhookChannelID = created.WebhookChannelID
			stored.WebhookResourceID = created.WebhookResourceID
			stored.WebhookExpiresAt = created.WebhookExpiresAt
			stored.Config = created.Config
		})
		if err != nil {
			s.rollback(created)
			return nil, err
		}
		s.logger.Info("registered webhook channel",
			"connection_id", created.ID,
			"type", created.Type,
			"channel_id", channelID,
		)
		created = updated
	}
	return created, nil
}

// Get returns the caller's connection.
func (s *Service) Get(userID, id string) (*Connection, error) {
	return s.registry.Get(userID, id)
}

// List returns the caller's connections, newest first.
func (s *Service) List(userID string) ([]*Connection, error) {
	return s.registry.List(userID)
}

// Delete stops the webhook channel, then removes the connection. Channel
// teardown is best effort; an orphaned channel expires within 24h anyway.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	conn, err := s.registry.Get(userID, id)
	if err != nil {
		return err
	}

	if conn.WebhookChannelID != "" {
		connector, err := s.build(ctx, conn)
		if err != nil {
			s.logger.Warn("could not build connector for channel cleanup",
				"connection_id", id, "error", err)
		} else if err := connector.CleanupSubscription(ctx, conn.WebhookChannelID); err != nil {
			s.logger.Warn("failed to stop webhook channel",
				"connection_id", id, "channel_id", conn.WebhookChannelID, "error", err)
		}
	}
	return s.registry.Delete(userID, id)
}

func (s *Service) rollback(conn *Connection) {
	if err := s.registry.Delete(conn.UserID, conn.ID); err != nil {
		s.logger.Error("failed to roll back connection",
			"connection_id", conn.ID, "error", err)
	}
}
