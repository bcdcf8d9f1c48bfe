package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"

	"github.com/quarrylabs/quarry/pkg/ingest"
	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

var graphSupportedMimeTypes = map[string]bool{
	"application/pdf": true,
	"text/plain":      true,
	"text/markdown":   true,
	"text/csv":        true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
}

// GraphConnector serves OneDrive and SharePoint; the two differ only in the
// drive path under the Graph API and their type identifier.
type GraphConnector struct {
	conn      *Connection
	typ       string
	base      string
	drivePath string
	client    *http.Client
	tokens    oauth2.TokenSource
	logger    hclog.Logger
}

// NewOneDrive builds a Graph connector over the user's default drive.
func NewOneDrive(conn *Connection, tokens oauth2.TokenSource, logger hclog.Logger) (*GraphConnector, error) {
	return newGraph(conn, TypeOneDrive, "/me/drive", tokens, logger)
}

// NewSharePoint builds a Graph connector over a site drive. The site id
// comes from the connection config.
func NewSharePoint(conn *Connection, tokens oauth2.TokenSource, logger hclog.Logger) (*GraphConnector, error) {
	siteID := conn.Config["site_id"]
	if siteID == "" {
		return nil, quarryerr.New(quarryerr.KindInvalidInput, "sharepoint connection requires config.site_id")
	}
	return newGraph(conn, TypeSharePoint, "/sites/"+siteID+"/drive", tokens, logger)
}

func newGraph(conn *Connection, typ, drivePath string, tokens oauth2.TokenSource, logger hclog.Logger) (*GraphConnector, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &GraphConnector{
		conn:      conn,
		typ:       typ,
		base:      graphBaseURL,
		drivePath: drivePath,
		client:    &http.Client{Timeout: 60 * time.Second},
		tokens:    tokens,
		logger:    logger.Named(typ).With("connection_id", conn.ID),
	}, nil
}

func (c *GraphConnector) Type() string { return c.typ }

// Authenticate verifies the token by probing the drive root.
func (c *GraphConnector) Authenticate(ctx context.Context) (bool, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := c.get(ctx, c.base+c.drivePath+"/root", &probe); err != nil {
		return false, err
	}
	return probe.ID != "", nil
}

// graphItem is the driveItem subset the connector consumes.
type graphItem struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Size                 int64     `json:"size"`
	WebURL               string    `json:"webUrl"`
	CreatedDateTime      time.Time `json:"createdDateTime"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
	File                 *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	Folder  *struct{} `json:"folder"`
	Deleted *struct{} `json:"deleted"`
}

type graphItemPage struct {
	Value    []graphItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// ListFiles returns one page of in-scope files. The page token is the
// @odata.nextLink from the previous page.
func (c *GraphConnector) ListFiles(ctx context.Context, pageToken string, limit int) (*FileList, error) {
	if limit <= 0 {
		limit = 100
	}

	if len(c.conn.Selection.FileIDs) > 0 {
		return c.listSelectedFiles(ctx)
	}

	target := pageToken
	if target == "" {
		parent := c.drivePath + "/root"
		if len(c.conn.Selection.FolderIDs) > 0 {
			// One folder per page sequence; multiple folders are walked
			// by callers re-listing per folder id.
			parent = c.drivePath + "/items/" + c.conn.Selection.FolderIDs[0]
		}
		target = fmt.Sprintf("%s%s/children?$top=%d", c.base, parent, limit)
	}

	var page graphItemPage
	if err := c.get(ctx, target, &page); err != nil {
		return nil, err
	}

	list := &FileList{NextPageToken: page.NextLink}
	for _, item := range page.Value {
		f, ok := c.convertItem(item)
		if ok {
			list.Files = append(list.Files, f)
		}
	}
	return list, nil
}

func (c *GraphConnector) listSelectedFiles(ctx context.Context) (*FileList, error) {
	list := &FileList{}
	for _, id := range c.conn.Selection.FileIDs {
		var item graphItem
		if err := c.get(ctx, c.base+c.drivePath+"/items/"+id, &item); err != nil {
			if quarryerr.IsKind(err, quarryerr.KindNotFound) {
				c.logger.Warn("selected file not found, skipping", "file_id", id)
				continue
			}
			return nil, err
		}
		if f, ok := c.convertItem(item); ok {
			list.Files = append(list.Files, f)
		}
	}
	return list, nil
}

func (c *GraphConnector) convertItem(item graphItem) (File, bool) {
	if item.Folder != nil || item.File == nil || item.Deleted != nil {
		return File{}, false
	}
	if !c.conn.Selection.allowsMime(item.File.MimeType, graphSupportedMimeTypes) {
		return File{}, false
	}
	f := File{
		ID:        item.ID,
		Name:      item.Name,
		MimeType:  item.File.MimeType,
		Size:      item.Size,
		SourceURL: item.WebURL,
	}
	if !item.CreatedDateTime.IsZero() {
		t := item.CreatedDateTime
		f.CreatedTime = &t
	}
	if !item.LastModifiedDateTime.IsZero() {
		t := item.LastModifiedDateTime
		f.ModifiedTime = &t
	}
	return f, true
}

// GetFileContent downloads one drive item.
func (c *GraphConnector) GetFileContent(ctx context.Context, fileID string) (*Content, error) {
	var item graphItem
	if err := c.get(ctx, c.base+c.drivePath+"/items/"+fileID, &item); err != nil {
		return nil, err
	}
	if item.File == nil {
		return nil, quarryerr.Newf(quarryerr.KindInvalidInput, "item %s is not a file", fileID)
	}
	if err := checkSize(item.Name, item.Size, false); err != nil {
		return nil, err
	}

	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout(item.Size))
	defer cancel()

	var body []byte
	var err error
	for attempt := 0; ; attempt++ {
		body, err = c.download(dlCtx, c.base+c.drivePath+"/items/"+fileID+"/content")
		if err == nil {
			break
		}
		if attempt >= 2 {
			return nil, quarryerr.Wrap(quarryerr.KindUpstreamError, "graph download failed", err)
		}
		c.logger.Warn("graph download failed, retrying", "file_id", fileID, "attempt", attempt+1, "error", err)
	}

	acl, err := c.fetchACL(ctx, fileID)
	if err != nil {
		c.logger.Warn("failed to fetch item permissions", "file_id", fileID, "error", err)
	}

	content := &Content{
		Bytes:     body,
		Filename:  item.Name,
		Mimetype:  item.File.MimeType,
		SourceURL: item.WebURL,
		Size:      int64(len(body)),
		ACL:       acl,
	}
	if !item.CreatedDateTime.IsZero() {
		t := item.CreatedDateTime
		content.CreatedTime = &t
	}
	if !item.LastModifiedDateTime.IsZero() {
		t := item.LastModifiedDateTime
		content.ModifiedTime = &t
	}
	return content, nil
}

func (c *GraphConnector) fetchACL(ctx context.Context, fileID string) (*ingest.ACL, error) {
	var perms struct {
		Value []struct {
			GrantedToV2 *struct {
				User *struct {
					Email string `json:"email"`
					ID    string `json:"id"`
				} `json:"user"`
				Group *struct {
					Email string `json:"email"`
					ID    string `json:"id"`
				} `json:"group"`
			} `json:"grantedToV2"`
			Roles []string `json:"roles"`
		} `json:"value"`
	}
	if err := c.get(ctx, c.base+c.drivePath+"/items/"+fileID+"/permissions", &perms); err != nil {
		return nil, err
	}

	converted := make([]Permission, 0, len(perms.Value))
	for _, p := range perms.Value {
		if p.GrantedToV2 == nil {
			continue
		}
		role := ""
		if len(p.Roles) > 0 {
			role = p.Roles[0]
		}
		if u := p.GrantedToV2.User; u != nil {
			converted = append(converted, Permission{Type: "user", ID: u.ID, Email: u.Email, Role: role})
		}
		if g := p.GrantedToV2.Group; g != nil {
			converted = append(converted, Permission{Type: "group", ID: g.ID, Email: g.Email, Role: role})
		}
	}
	return aclFromPermissions(converted), nil
}

// SetupSubscription registers a Graph change subscription on the drive root
// with a 24h TTL.
func (c *GraphConnector) SetupSubscription(ctx context.Context, webhookURL string) (string, error) {
	expires := time.Now().UTC().Add(24 * time.Hour)
	payload := map[string]interface{}{
		"changeType":         "updated",
		"notificationUrl":    webhookURL,
		"resource":           c.drivePath + "/root",
		"expirationDateTime": expires.Format(time.RFC3339),
		"clientState":        uuid.New().String(),
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, c.base+"/subscriptions", payload, &created); err != nil {
		return "", err
	}

	c.conn.WebhookChannelID = created.ID
	c.conn.WebhookResourceID = created.ID
	c.conn.WebhookExpiresAt = &expires
	c.logger.Info("registered graph subscription", "subscription_id", created.ID, "expires", expires)
	return created.ID, nil
}

// HandleWebhook resolves a change notification via the drive delta feed.
// Graph notifications carry no item ids, only the subscription reference.
func (c *GraphConnector) HandleWebhook(ctx context.Context, headers http.Header, body []byte) ([]string, error) {
	var notification struct {
		Value []struct {
			SubscriptionID string `json:"subscriptionId"`
		} `json:"value"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &notification); err != nil {
			return nil, quarryerr.Wrap(quarryerr.KindInvalidInput, "unparsable graph notification", err)
		}
	}

	target := c.base + c.drivePath + "/root/delta"
	if link := c.conn.Config["delta_link"]; link != "" {
		target = link
	}

	var affected []string
	for target != "" {
		var page struct {
			Value     []graphItem `json:"value"`
			NextLink  string      `json:"@odata.nextLink"`
			DeltaLink string      `json:"@odata.deltaLink"`
		}
		if err := c.get(ctx, target, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			if f, ok := c.convertItem(item); ok && c.conn.Selection.inScope(f.ID) {
				affected = append(affected, f.ID)
			}
		}
		target = page.NextLink
		if page.DeltaLink != "" {
			if c.conn.Config == nil {
				c.conn.Config = map[string]string{}
			}
			c.conn.Config["delta_link"] = page.DeltaLink
		}
	}
	return affected, nil
}

// CleanupSubscription deletes the Graph subscription. Best effort.
func (c *GraphConnector) CleanupSubscription(ctx context.Context, subscriptionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/subscriptions/"+subscriptionID, nil)
	if err != nil {
		return err
	}
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 && res.StatusCode != http.StatusNotFound {
		return c.statusError("failed to delete subscription", res)
	}
	return nil
}

func (c *GraphConnector) get(ctx context.Context, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return c.statusError("graph request failed", res)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *GraphConnector) post(ctx context.Context, target string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return c.statusError("graph request failed", res)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *GraphConnector) download(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return nil, c.statusError("graph download failed", res)
	}
	return io.ReadAll(res.Body)
}

func (c *GraphConnector) do(req *http.Request) (*http.Response, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}
	tok.SetAuthHeader(req)
	return c.client.Do(req)
}

func (c *GraphConnector) statusError(msg string, res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err := fmt.Errorf("%s: %s", res.Status, bytes.TrimSpace(body))
	switch res.StatusCode {
	case http.StatusNotFound:
		return quarryerr.Wrap(quarryerr.KindNotFound, msg, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return quarryerr.Wrap(quarryerr.KindAccessDenied, msg, err)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return quarryerr.Wrap(quarryerr.KindTimeout, msg, err)
	default:
		return quarryerr.Wrap(quarryerr.KindUpstreamError, msg, err)
	}
}
