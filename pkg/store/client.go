// Package store talks to the OpenSearch-compatible search backend. It owns
// the chunk index lifecycle, mapping updates for dynamic vector fields, and
// the document/search operations the rest of the service composes.
package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

// Client wraps an OpenSearch client scoped to a single chunk index.
type Client struct {
	os           *opensearch.Client
	index        string
	knnMethod    KNNMethod
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       hclog.Logger
}

// Config holds connection parameters for the search backend.
type Config struct {
	Addresses    []string
	Username     string
	Password     string
	Index        string
	SkipTLS      bool // skip TLS certificate verification
	KNNMethod    KNNMethod
	ReadTimeout  time.Duration // default 30s
	WriteTimeout time.Duration // default 60s
	Logger       hclog.Logger
}

// NewClient creates a store client. It does not contact the backend; call
// EnsureIndex to bootstrap the index.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("at least one address is required")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("index name is required")
	}
	if cfg.KNNMethod.Name == "" {
		cfg.KNNMethod = DefaultKNNMethod()
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	osCfg := opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if cfg.SkipTLS {
		osCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	osClient, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &Client{
		os:           osClient,
		index:        cfg.Index,
		knnMethod:    cfg.KNNMethod,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger.Named("store"),
	}, nil
}

// Index returns the chunk index name.
func (c *Client) IndexName() string {
	return c.index
}

// EnsureIndex creates the chunk index with knn enabled and the base chunk
// mapping when it does not already exist.
func (c *Client) EnsureIndex(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	existsRes, err := opensearchapi.IndicesExistsRequest{
		Index: []string{c.index},
	}.Do(ctx, c.os)
	if err != nil {
		return c.wrapTransport("indices.exists", err)
	}
	defer existsRes.Body.Close()
	if existsRes.StatusCode == http.StatusOK {
		return nil
	}

	body := map[string]interface{}{
		"settings": map[string]interface{}{
			"index": map[string]interface{}{"knn": true},
		},
		"mappings": map[string]interface{}{
			"properties": baseChunkMapping(),
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal index body: %w", err)
	}

	createRes, err := opensearchapi.IndicesCreateRequest{
		Index: c.index,
		Body:  bytes.NewReader(raw),
	}.Do(ctx, c.os)
	if err != nil {
		return c.wrapTransport("indices.create", err)
	}
	defer createRes.Body.Close()
	if createRes.IsError() {
		return c.responseError("indices.create", createRes)
	}

	c.logger.Info("created chunk index", "index", c.index)
	return nil
}

// PutMapping applies a mapping update to the chunk index.
func (c *Client) PutMapping(ctx context.Context, body map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}

	res, err := opensearchapi.IndicesPutMappingRequest{
		Index: []string{c.index},
		Body:  bytes.NewReader(raw),
	}.Do(ctx, c.os)
	if err != nil {
		return c.wrapTransport("indices.put_mapping", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return c.responseError("indices.put_mapping", res)
	}
	return nil
}

// GetMapping returns the field mappings of the chunk index.
func (c *Client) GetMapping(ctx context.Context) (map[string]FieldMapping, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	res, err := opensearchapi.IndicesGetMappingRequest{
		Index: []string{c.index},
	}.Do(ctx, c.os)
	if err != nil {
		return nil, c.wrapTransport("indices.get_mapping", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, c.responseError("indices.get_mapping", res)
	}

	// {"<index>": {"mappings": {"properties": {...}}}}
	var parsed map[string]struct {
		Mappings struct {
			Properties map[string]FieldMapping `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode mapping response: %w", err)
	}
	for _, idx := range parsed {
		return idx.Mappings.Properties, nil
	}
	return map[string]FieldMapping{}, nil
}

// IndexChunk writes a single chunk document under the given id.
func (c *Client) IndexChunk(ctx context.Context, id string, body map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk %s: %w", id, err)
	}

	res, err := opensearchapi.IndexRequest{
		Index:      c.index,
		DocumentID: id,
		Body:       bytes.NewReader(raw),
	}.Do(ctx, c.os)
	if err != nil {
		return c.wrapTransport("index", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return c.responseError("index", res)
	}
	return nil
}

// bulkChunkBytes caps the payload of a single _bulk request.
const bulkChunkBytes = 1 << 20 // ~1 MiB

// BulkIndex writes multiple chunk documents, splitting the request whenever
// the payload would exceed roughly a mebibyte.
func (c *Client) BulkIndex(ctx context.Context, docs map[string]map[string]interface{}) error {
	var buf bytes.Buffer
	flush := func() error {
		if buf.Len() == 0 {
			return nil
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()

		res, err := opensearchapi.BulkRequest{Body: bytes.NewReader(buf.Bytes())}.Do(reqCtx, c.os)
		if err != nil {
			return c.wrapTransport("bulk", err)
		}
		defer res.Body.Close()
		if res.IsError() {
			return c.responseError("bulk", res)
		}
		buf.Reset()
		return nil
	}

	for id, doc := range docs {
		meta, err := json.Marshal(map[string]interface{}{
			"index": map[string]interface{}{"_index": c.index, "_id": id},
		})
		if err != nil {
			return fmt.Errorf("failed to marshal bulk meta: %w", err)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal bulk doc %s: %w", id, err)
		}
		if buf.Len() > 0 && buf.Len()+len(meta)+len(raw)+2 > bulkChunkBytes {
			if err := flush(); err != nil {
				return err
			}
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(raw)
		buf.WriteByte('\n')
	}
	return flush()
}

// ExistsChunkGroup reports whether any chunk carries the given document id.
func (c *Client) ExistsChunkGroup(ctx context.Context, documentID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"document_id": documentID},
		},
	}
	raw, err := json.Marshal(query)
	if err != nil {
		return false, fmt.Errorf("failed to marshal count query: %w", err)
	}

	res, err := opensearchapi.CountRequest{
		Index: []string{c.index},
		Body:  bytes.NewReader(raw),
	}.Do(ctx, c.os)
	if err != nil {
		return false, c.wrapTransport("count", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return false, c.responseError("count", res)
	}

	var parsed struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("failed to decode count response: %w", err)
	}
	return parsed.Count > 0, nil
}

// ExistsChunk reports whether a chunk document with the exact id exists.
func (c *Client) ExistsChunk(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	res, err := opensearchapi.ExistsRequest{
		Index:      c.index,
		DocumentID: id,
	}.Do(ctx, c.os)
	if err != nil {
		return false, c.wrapTransport("exists", err)
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK, nil
}

// GetChunk fetches a chunk document by id.
func (c *Client) GetChunk(ctx context.Context, id string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	res, err := opensearchapi.GetRequest{
		Index:      c.index,
		DocumentID: id,
	}.Do(ctx, c.os)
	if err != nil {
		return nil, c.wrapTransport("get", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, quarryerr.Newf(quarryerr.KindNotFound, "chunk %s not found", id)
	}
	if res.IsError() {
		return nil, c.responseError("get", res)
	}

	var parsed struct {
		Source map[string]interface{} `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode get response: %w", err)
	}
	return parsed.Source, nil
}

// UpdateChunk applies a partial document update to a chunk.
func (c *Client) UpdateChunk(ctx context.Context, id string, doc map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	raw, err := json.Marshal(map[string]interface{}{"doc": doc})
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	res, err := opensearchapi.UpdateRequest{
		Index:      c.index,
		DocumentID: id,
		Body:       bytes.NewReader(raw),
	}.Do(ctx, c.os)
	if err != nil {
		return c.wrapTransport("update", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return c.responseError("update", res)
	}
	return nil
}

// DeleteChunk removes a chunk document by id.
func (c *Client) DeleteChunk(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	res, err := opensearchapi.DeleteRequest{
		Index:      c.index,
		DocumentID: id,
	}.Do(ctx, c.os)
	if err != nil {
		return c.wrapTransport("delete", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return quarryerr.Newf(quarryerr.KindNotFound, "chunk %s not found", id)
	}
	if res.IsError() {
		return c.responseError("delete", res)
	}
	return nil
}

// Search executes a raw query body against the chunk index.
func (c *Client) Search(ctx context.Context, body map[string]interface{}) (*SearchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search body: %w", err)
	}

	res, err := opensearchapi.SearchRequest{
		Index: []string{c.index},
		Body:  bytes.NewReader(raw),
	}.Do(ctx, c.os)
	if err != nil {
		return nil, c.wrapTransport("search", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, c.responseError("search", res)
	}

	var parsed SearchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return &parsed, nil
}

// Count returns the number of documents in the chunk index.
func (c *Client) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	res, err := opensearchapi.CountRequest{Index: []string{c.index}}.Do(ctx, c.os)
	if err != nil {
		return 0, c.wrapTransport("count", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, c.responseError("count", res)
	}

	var parsed struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("failed to decode count response: %w", err)
	}
	return parsed.Count, nil
}

// wrapTransport classifies transport-level failures.
func (c *Client) wrapTransport(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return quarryerr.Wrap(quarryerr.KindTimeout, op, err)
	}
	return quarryerr.Wrap(quarryerr.KindStoreError, op, err)
}

// responseError surfaces a non-2xx response, keeping the body text so
// callers can recognize specific backend rejections.
func (c *Client) responseError(op string, res *opensearchapi.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 8192))
	return quarryerr.Newf(quarryerr.KindStoreError, "%s returned %d: %s", op, res.StatusCode, string(raw))
}

// baseChunkMapping is the static part of the chunk mapping; dynamic vector
// fields are added per model by the FieldRegistry.
func baseChunkMapping() map[string]interface{} {
	return map[string]interface{}{
		"document_id": map[string]interface{}{"type": "keyword"},
		"ordinal":     map[string]interface{}{"type": "integer"},
		"page":        map[string]interface{}{"type": "integer"},
		"text":        map[string]interface{}{"type": "text"},
		"mimetype":    map[string]interface{}{"type": "keyword"},
		"filename": map[string]interface{}{
			"type": "text",
			"fields": map[string]interface{}{
				"keyword": map[string]interface{}{"type": "keyword"},
			},
		},
		"embedding_model":      map[string]interface{}{"type": "keyword"},
		"embedding_dimensions": map[string]interface{}{"type": "integer"},
		"owner":                map[string]interface{}{"type": "keyword"},
		"allowed_users":        map[string]interface{}{"type": "keyword"},
		"allowed_groups":       map[string]interface{}{"type": "keyword"},
		"user_permissions":     map[string]interface{}{"type": "object", "enabled": true},
		"group_permissions":    map[string]interface{}{"type": "object", "enabled": true},
		"connector_type":       map[string]interface{}{"type": "keyword"},
		"source_url":           map[string]interface{}{"type": "keyword"},
		"created_time":         map[string]interface{}{"type": "date"},
		"modified_time":        map[string]interface{}{"type": "date"},
		"indexed_time":         map[string]interface{}{"type": "date"},
		"file_size":            map[string]interface{}{"type": "long"},
	}
}
