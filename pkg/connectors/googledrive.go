package connectors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/quarrylabs/quarry/pkg/ingest"
	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

// Google-native formats are exported rather than downloaded.
var googleExportMimeTypes = map[string]string{
	"application/vnd.google-apps.document":     "application/pdf",
	"application/vnd.google-apps.spreadsheet":  "application/pdf",
	"application/vnd.google-apps.presentation": "application/pdf",
}

var googleSupportedMimeTypes = map[string]bool{
	"application/vnd.google-apps.document":     true,
	"application/vnd.google-apps.spreadsheet":  true,
	"application/vnd.google-apps.presentation": true,
	"application/pdf":                          true,
	"text/plain":                               true,
	"text/markdown":                            true,
	"text/csv":                                 true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
}

// Resource states Drive delivers on a watch channel. "sync" is the
// registration handshake; anything not listed here is ignored.
var googleChangeStates = map[string]bool{
	"change": true, "update": true, "add": true,
	"remove": true, "trash": true, "untrash": true,
}

const googleFolderMimeType = "application/vnd.google-apps.folder"

const googleFileFields = "id,name,mimeType,size,createdTime,modifiedTime,webViewLink,owners,permissions"

// GoogleDriveConnector pulls documents from Google Drive.
type GoogleDriveConnector struct {
	conn    *Connection
	drive   *drive.Service
	tokens  *TokenStore
	logger  hclog.Logger
	folders []string // selection folders plus recursive expansion
}

// NewGoogleDrive builds a Drive connector for one connection.
func NewGoogleDrive(ctx context.Context, conn *Connection, tokens *TokenStore, logger hclog.Logger) (*GoogleDriveConnector, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	svc, err := drive.NewService(ctx, option.WithTokenSource(tokens))
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return &GoogleDriveConnector{
		conn:   conn,
		drive:  svc,
		tokens: tokens,
		logger: logger.Named("gdrive").With("connection_id", conn.ID),
	}, nil
}

func (c *GoogleDriveConnector) Type() string { return TypeGoogleDrive }

// Authenticate verifies credentials and pre-expands the recursive folder
// selection so listing and webhook filtering work against a flat id set.
func (c *GoogleDriveConnector) Authenticate(ctx context.Context) (bool, error) {
	if _, err := c.tokens.Token(); err != nil {
		return false, err
	}

	c.folders = append([]string(nil), c.conn.Selection.FolderIDs...)
	if c.conn.Selection.Recursive {
		expanded, err := c.expandFolders(ctx, c.conn.Selection.FolderIDs)
		if err != nil {
			return false, err
		}
		c.folders = expanded
	}
	return true, nil
}

// expandFolders walks the folder tree breadth-first.
func (c *GoogleDriveConnector) expandFolders(ctx context.Context, roots []string) ([]string, error) {
	seen := make(map[string]bool, len(roots))
	queue := append([]string(nil), roots...)
	var all []string

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		all = append(all, id)

		query := fmt.Sprintf("'%s' in parents and mimeType = '%s' and trashed = false", id, googleFolderMimeType)
		pageToken := ""
		for {
			call := c.drive.Files.List().Q(query).Fields("nextPageToken, files(id)").Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			res, err := call.Do()
			if err != nil {
				return nil, wrapGoogleErr("failed to expand folder "+id, err)
			}
			for _, f := range res.Files {
				queue = append(queue, f.Id)
			}
			if res.NextPageToken == "" {
				break
			}
			pageToken = res.NextPageToken
		}
	}
	return all, nil
}

// ListFiles returns one page of in-scope files. An explicit file selection
// short-circuits to per-file metadata fetches.
func (c *GoogleDriveConnector) ListFiles(ctx context.Context, pageToken string, limit int) (*FileList, error) {
	if limit <= 0 {
		limit = 100
	}

	if len(c.conn.Selection.FileIDs) > 0 {
		return c.listSelectedFiles(ctx)
	}

	query := "trashed = false"
	if len(c.folders) > 0 {
		parents := make([]string, 0, len(c.folders))
		for _, id := range c.folders {
			parents = append(parents, fmt.Sprintf("'%s' in parents", id))
		}
		query += " and (" + strings.Join(parents, " or ") + ")"
	}

	call := c.drive.Files.List().
		Q(query).
		PageSize(int64(limit)).
		Fields(googleapi.Field("nextPageToken, files(" + googleFileFields + ")")).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Do()
	if err != nil {
		return nil, wrapGoogleErr("failed to list drive files", err)
	}

	list := &FileList{NextPageToken: res.NextPageToken}
	for _, f := range res.Files {
		if !c.conn.Selection.allowsMime(f.MimeType, googleSupportedMimeTypes) {
			continue
		}
		list.Files = append(list.Files, convertDriveFile(f))
	}
	return list, nil
}

func (c *GoogleDriveConnector) listSelectedFiles(ctx context.Context) (*FileList, error) {
	list := &FileList{}
	for _, id := range c.conn.Selection.FileIDs {
		f, err := c.drive.Files.Get(id).Fields(googleFileFields).Context(ctx).Do()
		if err != nil {
			if isGoogleNotFound(err) {
				c.logger.Warn("selected file not found, skipping", "file_id", id)
				continue
			}
			return nil, wrapGoogleErr("failed to fetch selected file "+id, err)
		}
		if !c.conn.Selection.allowsMime(f.MimeType, googleSupportedMimeTypes) {
			continue
		}
		list.Files = append(list.Files, convertDriveFile(f))
	}
	return list, nil
}

// GetFileContent downloads or exports one file.
func (c *GoogleDriveConnector) GetFileContent(ctx context.Context, fileID string) (*Content, error) {
	f, err := c.drive.Files.Get(fileID).Fields(googleFileFields).Context(ctx).Do()
	if err != nil {
		return nil, wrapGoogleErr("failed to fetch file metadata", err)
	}

	exportMime, native := googleExportMimeTypes[f.MimeType]
	if err := checkSize(f.Name, f.Size, native); err != nil {
		return nil, err
	}

	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout(f.Size))
	defer cancel()

	var body []byte
	fetch := func() (*http.Response, error) {
		if native {
			return c.drive.Files.Export(fileID, exportMime).Context(dlCtx).Download()
		}
		return c.drive.Files.Get(fileID).Context(dlCtx).Download()
	}
	// Two retries on top of the first attempt.
	for attempt := 0; ; attempt++ {
		var res *http.Response
		res, err = fetch()
		if err == nil {
			body, err = io.ReadAll(res.Body)
			res.Body.Close()
		}
		if err == nil {
			break
		}
		if attempt >= 2 {
			return nil, quarryerr.Wrap(quarryerr.KindUpstreamError, "drive download failed", err)
		}
		c.logger.Warn("drive download failed, retrying", "file_id", fileID, "attempt", attempt+1, "error", err)
	}

	content := &Content{
		Bytes:     body,
		Filename:  f.Name,
		Mimetype:  f.MimeType,
		SourceURL: f.WebViewLink,
		Size:      int64(len(body)),
		ACL:       aclFromPermissions(convertDrivePermissions(f.Permissions)),
	}
	if native {
		content.Mimetype = exportMime
		content.Filename = f.Name + ".pdf"
	}
	if t, err := time.Parse(time.RFC3339, f.CreatedTime); err == nil {
		content.CreatedTime = &t
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		content.ModifiedTime = &t
	}
	return content, nil
}

// SetupSubscription registers a changes watch channel with a 24h TTL and
// records the channel state on the connection for renewal and cleanup.
func (c *GoogleDriveConnector) SetupSubscription(ctx context.Context, webhookURL string) (string, error) {
	start, err := c.drive.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		return "", wrapGoogleErr("failed to get changes start token", err)
	}

	expires := time.Now().Add(24 * time.Hour)
	channel := &drive.Channel{
		Id:         uuid.New().String(),
		Type:       "web_hook",
		Address:    webhookURL,
		Expiration: expires.UnixMilli(),
	}
	created, err := c.drive.Changes.Watch(start.StartPageToken, channel).Context(ctx).Do()
	if err != nil {
		return "", wrapGoogleErr("failed to register drive watch channel", err)
	}

	c.conn.WebhookChannelID = created.Id
	c.conn.WebhookResourceID = created.ResourceId
	c.conn.WebhookExpiresAt = &expires
	c.logger.Info("registered drive watch channel", "channel_id", created.Id, "expires", expires)
	return created.Id, nil
}

// HandleWebhook resolves a watch notification back to affected file ids via
// the changes feed.
func (c *GoogleDriveConnector) HandleWebhook(ctx context.Context, headers http.Header, body []byte) ([]string, error) {
	state := headers.Get("X-Goog-Resource-State")
	if state == "sync" || !googleChangeStates[state] {
		c.logger.Debug("ignoring drive notification", "state", state)
		return nil, nil
	}

	pageToken := pageTokenFromResourceURI(headers.Get("X-Goog-Resource-Uri"))
	if pageToken == "" {
		start, err := c.drive.Changes.GetStartPageToken().Context(ctx).Do()
		if err != nil {
			return nil, wrapGoogleErr("failed to resolve changes token", err)
		}
		pageToken = start.StartPageToken
	}

	var affected []string
	for pageToken != "" {
		res, err := c.drive.Changes.List(pageToken).
			Fields("nextPageToken, newStartPageToken, changes(fileId, removed, file(id, mimeType, trashed))").
			Context(ctx).
			Do()
		if err != nil {
			return nil, wrapGoogleErr("failed to list drive changes", err)
		}
		for _, change := range res.Changes {
			if change.Removed || change.File == nil || change.File.Trashed {
				c.logger.Debug("file removed upstream, not actioned", "file_id", change.FileId)
				continue
			}
			if !c.conn.Selection.inScope(change.FileId) {
				continue
			}
			if !c.conn.Selection.allowsMime(change.File.MimeType, googleSupportedMimeTypes) {
				continue
			}
			affected = append(affected, change.FileId)
		}
		pageToken = res.NextPageToken
	}
	return affected, nil
}

// CleanupSubscription stops the watch channel. Best effort.
func (c *GoogleDriveConnector) CleanupSubscription(ctx context.Context, subscriptionID string) error {
	if c.conn.WebhookResourceID == "" {
		return fmt.Errorf("no persisted resource id for channel %s", subscriptionID)
	}
	err := c.drive.Channels.Stop(&drive.Channel{
		Id:         subscriptionID,
		ResourceId: c.conn.WebhookResourceID,
	}).Context(ctx).Do()
	if err != nil {
		return wrapGoogleErr("failed to stop drive channel", err)
	}
	return nil
}

func pageTokenFromResourceURI(uri string) string {
	if uri == "" {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Query().Get("pageToken")
}

func convertDriveFile(f *drive.File) File {
	out := File{
		ID:          f.Id,
		Name:        f.Name,
		MimeType:    f.MimeType,
		Size:        f.Size,
		SourceURL:   f.WebViewLink,
		Permissions: convertDrivePermissions(f.Permissions),
	}
	for _, o := range f.Owners {
		out.Owners = append(out.Owners, o.EmailAddress)
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		out.ModifiedTime = &t
	}
	if t, err := time.Parse(time.RFC3339, f.CreatedTime); err == nil {
		out.CreatedTime = &t
	}
	return out
}

func convertDrivePermissions(perms []*drive.Permission) []Permission {
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		out = append(out, Permission{
			Type:  p.Type,
			ID:    p.Id,
			Email: p.EmailAddress,
			Role:  p.Role,
		})
	}
	return out
}

// aclFromPermissions maps provider grants to the indexed ACL. Users are
// keyed by email when present, groups likewise.
func aclFromPermissions(perms []Permission) *ingest.ACL {
	if len(perms) == 0 {
		return nil
	}
	acl := &ingest.ACL{
		UserPermissions:  map[string]interface{}{},
		GroupPermissions: map[string]interface{}{},
	}
	for _, p := range perms {
		key := p.Email
		if key == "" {
			key = p.ID
		}
		switch p.Type {
		case "user":
			acl.AllowedUsers = append(acl.AllowedUsers, key)
			acl.UserPermissions[key] = p.Role
		case "group":
			acl.AllowedGroups = append(acl.AllowedGroups, key)
			acl.GroupPermissions[key] = p.Role
		}
	}
	return acl
}

func isGoogleNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound
	}
	return false
}

func wrapGoogleErr(msg string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return quarryerr.Wrap(quarryerr.KindNotFound, msg, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return quarryerr.Wrap(quarryerr.KindAccessDenied, msg, err)
		}
	}
	return quarryerr.Wrap(quarryerr.KindUpstreamError, msg, err)
}
