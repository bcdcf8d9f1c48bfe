package connectors

import (
	"context"
	"net/http"
	"time"

	"github.com/quarrylabs/quarry/pkg/ingest"
	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

// File is provider file metadata as returned by listing.
type File struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	MimeType     string     `json:"mimeType"`
	Size         int64      `json:"size,omitempty"`
	ModifiedTime *time.Time `json:"modifiedTime,omitempty"`
	CreatedTime  *time.Time `json:"createdTime,omitempty"`
	SourceURL    string     `json:"source_url,omitempty"`
	Owners       []string   `json:"owners,omitempty"`

	// Permissions feed the indexed ACL.
	Permissions []Permission `json:"permissions,omitempty"`
}

// Permission is one provider-side grant.
type Permission struct {
	Type  string `json:"type"` // user or group
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// FileList is one listing page.
type FileList struct {
	Files         []File `json:"files"`
	NextPageToken string `json:"next_page_token,omitempty"`
}

// Content is a downloaded file ready for ingestion.
type Content struct {
	Bytes        []byte
	Filename     string
	Mimetype     string
	SourceURL    string
	Size         int64
	CreatedTime  *time.Time
	ModifiedTime *time.Time
	ACL          *ingest.ACL
	Metadata     map[string]interface{}
}

// Connector is the common contract every provider variant implements.
type Connector interface {
	// Type returns the connector type identifier.
	Type() string

	// Authenticate loads or refreshes credentials and pre-expands the
	// recursive folder selection.
	Authenticate(ctx context.Context) (bool, error)

	// ListFiles returns one page of in-scope, supported files.
	ListFiles(ctx context.Context, pageToken string, limit int) (*FileList, error)

	// GetFileContent downloads one file, exporting provider-native
	// formats to PDF and enforcing size limits.
	GetFileContent(ctx context.Context, fileID string) (*Content, error)

	// SetupSubscription registers a push channel with a 24h TTL and
	// returns its id.
	SetupSubscription(ctx context.Context, webhookURL string) (string, error)

	// HandleWebhook resolves a provider notification to the affected
	// file ids, filtered by the connector's selection and MIME scope.
	HandleWebhook(ctx context.Context, headers http.Header, body []byte) ([]string, error)

	// CleanupSubscription tears the push channel down. Best effort.
	CleanupSubscription(ctx context.Context, subscriptionID string) error
}

// Size limits for downloads. Provider-native formats are exported (and
// inflate), so they get the tighter bound.
const (
	maxNativeSize = 500 << 20  // 500 MiB for provider-native formats
	maxBinarySize = 1000 << 20 // 1000 MiB for everything else
)

// checkSize rejects oversized files before any bytes are transferred.
func checkSize(name string, size int64, native bool) error {
	limit := int64(maxBinarySize)
	if native {
		limit = maxNativeSize
	}
	if size > limit {
		return quarryerr.Newf(quarryerr.KindFileTooLarge,
			"%s is %d bytes, limit is %d", name, size, limit)
	}
	return nil
}

// downloadTimeout scales the per-download deadline with file size: 10s per
// MiB, clamped to [60s, 300s].
func downloadTimeout(size int64) time.Duration {
	mib := size / (1 << 20)
	d := time.Duration(mib) * 10 * time.Second
	if d < 60*time.Second {
		return 60 * time.Second
	}
	if d > 300*time.Second {
		return 300 * time.Second
	}
	return d
}

// allowsMime applies the selection's MIME overrides on top of the variant's
// supported set.
func (s Selection) allowsMime(mimeType string, supported map[string]bool) bool {
	for _, excluded := range s.ExcludeMimeTypes {
		if mimeType == excluded {
			return false
		}
	}
	if len(s.IncludeMimeTypes) > 0 {
		for _, included := range s.IncludeMimeTypes {
			if mimeType == included {
				return true
			}
		}
		return false
	}
	return supported[mimeType]
}

// inScope reports whether a file id passes the explicit file selection.
// Folder scoping happens at the listing query, not here.
func (s Selection) inScope(fileID string) bool {
	if len(s.FileIDs) == 0 {
		return true
	}
	for _, id := range s.FileIDs {
		if id == fileID {
			return true
		}
	}
	return false
}
