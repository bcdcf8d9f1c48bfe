// Package connectors implements pull-based ingestion from external document
// providers: Google Drive, OneDrive, SharePoint, and S3-compatible object
// stores. A Connection is the persisted per-user configuration of one
// provider; a Connector is the live client built from it.
package connectors

import (
	"time"
)

// Connector type identifiers. The set is closed; the factory rejects
// anything else.
const (
	TypeGoogleDrive = "google_drive"
	TypeOneDrive    = "onedrive"
	TypeSharePoint  = "sharepoint"
	TypeS3          = "s3"
)

// ValidTypes lists every recognised connector type.
var ValidTypes = []string{TypeGoogleDrive, TypeOneDrive, TypeSharePoint, TypeS3}

// Selection scopes which provider files a connection ingests.
type Selection struct {
	// FileIDs short-circuits listing to these exact files.
	FileIDs []string `json:"file_ids,omitempty"`

	// FolderIDs constrains listing to these parent folders.
	FolderIDs []string `json:"folder_ids,omitempty"`

	// Recursive expands FolderIDs to their whole subtree at
	// authentication time.
	Recursive bool `json:"recursive,omitempty"`

	// IncludeMimeTypes / ExcludeMimeTypes override the built-in supported
	// MIME set. Include wins over the default set; Exclude always drops.
	IncludeMimeTypes []string `json:"include_mime_types,omitempty"`
	ExcludeMimeTypes []string `json:"exclude_mime_types,omitempty"`
}

// Connection is one persisted provider link. Serialized as JSON with RFC
// 3339 datetimes.
type Connection struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Type   string `json:"connector_type"`
	Name   string `json:"name"`
	Active bool   `json:"active"`

	Selection Selection `json:"selection"`

	// Config carries provider-specific settings: token_file, client
	// credentials path, bucket, region.
	Config map[string]string `json:"config,omitempty"`

	// Webhook state persisted so subscriptions can be renewed and
	// cleaned up across restarts.
	WebhookChannelID  string     `json:"webhook_channel_id,omitempty"`
	WebhookResourceID string     `json:"webhook_resource_id,omitempty"`
	WebhookExpiresAt  *time.Time `json:"webhook_expires_at,omitempty"`

	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// clone returns a deep copy so registry callers never share slices or maps
// with the persisted record.
func (c *Connection) clone() *Connection {
	copied := *c
	copied.Selection.FileIDs = append([]string(nil), c.Selection.FileIDs...)
	copied.Selection.FolderIDs = append([]string(nil), c.Selection.FolderIDs...)
	copied.Selection.IncludeMimeTypes = append([]string(nil), c.Selection.IncludeMimeTypes...)
	copied.Selection.ExcludeMimeTypes = append([]string(nil), c.Selection.ExcludeMimeTypes...)
	if c.Config != nil {
		copied.Config = make(map[string]string, len(c.Config))
		for k, v := range c.Config {
			copied.Config[k] = v
		}
	}
	if c.WebhookExpiresAt != nil {
		t := *c.WebhookExpiresAt
		copied.WebhookExpiresAt = &t
	}
	if c.LastSyncAt != nil {
		t := *c.LastSyncAt
		copied.LastSyncAt = &t
	}
	return &copied
}

func validType(t string) bool {
	for _, v := range ValidTypes {
		if t == v {
			return true
		}
	}
	return false
}
