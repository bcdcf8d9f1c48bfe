// Package ingest turns files into indexed, embedded chunks.
//
// The pipeline is per-file: content-addressed dedup, parsing in an isolated
// worker, token-aware batched embedding, then chunk writes in ordinal order.
// It deliberately depends one way only: on the field registry and the store,
// never the reverse.
package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-hclog"

	"github.com/quarrylabs/quarry/pkg/embedding"
	"github.com/quarrylabs/quarry/pkg/hashing"
	"github.com/quarrylabs/quarry/pkg/parser"
	"github.com/quarrylabs/quarry/pkg/store"
)

// Status values returned by Ingest.
const (
	StatusIndexed   = "indexed"
	StatusUnchanged = "unchanged"
)

// Source is the content to ingest: a local path or in-memory bytes plus a
// display filename.
type Source struct {
	Path     string
	Content  []byte
	Filename string
	Mimetype string
}

// displayName is the filename mixed into the document hash and indexed for
// display.
func (s Source) displayName() string {
	if s.Filename != "" {
		return s.Filename
	}
	if s.Path != "" {
		return filepath.Base(s.Path)
	}
	return ""
}

// Identity carries the requesting user. All fields may be empty for public
// ingestion, in which case owner fields are omitted from indexed chunks.
type Identity struct {
	OwnerUserID string
	OwnerName   string
	OwnerEmail  string
	JWTToken    string
}

// resolve fills empty owner fields from token claims. The transport layer
// has already verified the token; this is only a claims read.
func (id Identity) resolve() Identity {
	if id.JWTToken == "" {
		return id
	}
	if id.OwnerUserID != "" && id.OwnerName != "" && id.OwnerEmail != "" {
		return id
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(id.JWTToken, claims); err != nil {
		return id
	}
	if id.OwnerUserID == "" {
		id.OwnerUserID, _ = claims["sub"].(string)
	}
	if id.OwnerName == "" {
		id.OwnerName, _ = claims["name"].(string)
	}
	if id.OwnerEmail == "" {
		id.OwnerEmail, _ = claims["email"].(string)
	}
	return id
}

// ACL scopes who may retrieve the resulting chunks.
type ACL struct {
	AllowedUsers     []string
	AllowedGroups    []string
	UserPermissions  map[string]interface{}
	GroupPermissions map[string]interface{}
}

// Provenance records where the content came from.
type Provenance struct {
	ConnectorType string // "local" for uploads
	SourceURL     string
	CreatedTime   *time.Time
	ModifiedTime  *time.Time
	FileSize      int64
	ACL           *ACL
}

// Result is the outcome of one Ingest call.
type Result struct {
	Status     string
	DocumentID string
}

// Store is the slice of the search store the pipeline writes through.
type Store interface {
	ExistsChunkGroup(ctx context.Context, documentID string) (bool, error)
	IndexChunk(ctx context.Context, id string, body map[string]interface{}) error
}

// FieldEnsurer guarantees the model's vector field mapping exists.
// Satisfied by store.FieldRegistry.
type FieldEnsurer interface {
	Ensure(ctx context.Context, model string, dimension int) error
}

// TokenCounter measures and splits text in model token units. Satisfied by
// embedding.Tokenizer.
type TokenCounter interface {
	Count(text string) int
	Split(text string, maxTokens int) []string
}

// Config wires a Pipeline.
type Config struct {
	Store    Store
	Registry FieldEnsurer
	Embedder embedding.Embedder
	Parser   parser.Parser
	Hasher   *hashing.Hasher
	Tokens   TokenCounter

	// MaxBatchTokens bounds the token total of one Embed call.
	// Default embedding.DefaultMaxBatchTokens.
	MaxBatchTokens int

	// RetryBase is the initial backoff for dedup and embed retries.
	// Default 1s; tests shrink it.
	RetryBase time.Duration

	Logger hclog.Logger
}

// Pipeline ingests one file at a time. Safe for concurrent use; jobs run
// many files through the same pipeline in parallel.
type Pipeline struct {
	store          Store
	registry       FieldEnsurer
	embedder       embedding.Embedder
	parser         parser.Parser
	hasher         *hashing.Hasher
	tokens         TokenCounter
	maxBatchTokens int
	retryBase      time.Duration
	logger         hclog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("field registry is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.Parser == nil {
		return nil, fmt.Errorf("parser is required")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = hashing.New()
	}
	if cfg.Tokens == nil {
		tok, err := embedding.NewTokenizer(cfg.Embedder.Model())
		if err != nil {
			return nil, fmt.Errorf("failed to build tokenizer: %w", err)
		}
		cfg.Tokens = tok
	}
	if cfg.MaxBatchTokens <= 0 {
		cfg.MaxBatchTokens = embedding.DefaultMaxBatchTokens
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Pipeline{
		store:          cfg.Store,
		registry:       cfg.Registry,
		embedder:       cfg.Embedder,
		parser:         cfg.Parser,
		hasher:         cfg.Hasher,
		tokens:         cfg.Tokens,
		maxBatchTokens: cfg.MaxBatchTokens,
		retryBase:      cfg.RetryBase,
		logger:         cfg.Logger.Named("ingest"),
	}, nil
}

// chunk is one retrieval unit before embedding.
type chunk struct {
	text string
	page *int
}

// Ingest runs the full per-file pipeline. Identical bytes and filename
// short-circuit to {unchanged} without parsing or embedding.
func (p *Pipeline) Ingest(ctx context.Context, src Source, identity Identity, prov Provenance) (*Result, error) {
	docID, err := p.hashSource(src)
	if err != nil {
		return nil, fmt.Errorf("failed to hash source: %w", err)
	}

	if p.exists(ctx, docID) {
		p.logger.Debug("document already indexed", "document_id", docID)
		return &Result{Status: StatusUnchanged, DocumentID: docID}, nil
	}

	doc, err := p.parser.Parse(ctx, parser.Request{
		Path:     src.Path,
		Content:  src.Content,
		Filename: src.displayName(),
		Mimetype: src.Mimetype,
	})
	if err != nil {
		return nil, err
	}

	// Frontmatter dates fill provenance gaps; connector timestamps win.
	if doc.Meta != nil {
		if prov.CreatedTime == nil {
			prov.CreatedTime = doc.Meta.Created
		}
		if prov.ModifiedTime == nil {
			prov.ModifiedTime = doc.Meta.Modified
		}
	}

	chunks := p.buildChunks(doc)
	if len(chunks) == 0 {
		p.logger.Warn("document produced no chunks", "document_id", docID, "filename", src.displayName())
		return &Result{Status: StatusIndexed, DocumentID: docID}, nil
	}
	chunks = p.splitOversized(chunks)

	model := p.embedder.Model()
	dim := p.embedder.Dim()
	if err := p.registry.Ensure(ctx, model, dim); err != nil {
		return nil, err
	}

	vectors, err := p.embedAll(ctx, chunks)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for i, c := range chunks {
		body := p.chunkBody(docID, i, c, vectors[i], src, identity, prov, now)
		chunkID := fmt.Sprintf("%s_%d", docID, i)
		if err := p.store.IndexChunk(ctx, chunkID, body); err != nil {
			// Earlier chunks stay indexed; the dedup check will skip this
			// document on re-run until it is purged.
			return nil, fmt.Errorf("failed to index chunk %s: %w", chunkID, err)
		}
	}

	p.logger.Info("indexed document",
		"document_id", docID,
		"filename", src.displayName(),
		"chunks", len(chunks),
		"model", model,
	)
	return &Result{Status: StatusIndexed, DocumentID: docID}, nil
}

func (p *Pipeline) hashSource(src Source) (string, error) {
	if src.Path != "" {
		return p.hasher.HashFile(src.Path, src.displayName())
	}
	if src.Content != nil {
		return p.hasher.HashBytes(src.Content, src.displayName()), nil
	}
	return "", fmt.Errorf("source carries neither content nor path")
}

// exists runs the dedup point-query with retries. Persistent store trouble
// is resolved toward "not exists": re-ingesting is recoverable, silently
// dropping a document is not.
func (p *Pipeline) exists(ctx context.Context, docID string) bool {
	var found bool
	attempt := 0
	op := func() error {
		attempt++
		ok, err := p.store.ExistsChunkGroup(ctx, docID)
		if err != nil {
			p.logger.Warn("dedup existence check failed",
				"document_id", docID,
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		found = ok
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retryBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 8 * p.retryBase

	// Initial check plus up to three retries, waiting 1x, 2x, 4x the base.
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)); err != nil {
		return false
	}
	return found
}

// buildChunks emits page chunks in page order, then table chunks rendered as
// tab-separated rows carrying the table's page.
func (p *Pipeline) buildChunks(doc *parser.Document) []chunk {
	chunks := make([]chunk, 0, len(doc.Pages)+len(doc.Tables))
	for _, page := range doc.Pages {
		if strings.TrimSpace(page.Text) == "" {
			continue
		}
		chunks = append(chunks, chunk{text: page.Text, page: pageNo(page.PageNo)})
	}
	for _, table := range doc.Tables {
		lines := make([]string, 0, len(table.Rows))
		for _, row := range table.Rows {
			lines = append(lines, strings.Join(row, "\t"))
		}
		text := strings.Join(lines, "\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		chunks = append(chunks, chunk{text: text, page: pageNo(table.PageNo)})
	}
	return chunks
}

func pageNo(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}

// splitOversized breaks any single chunk over the batch token bound into
// pieces, each inheriting the source page.
func (p *Pipeline) splitOversized(chunks []chunk) []chunk {
	out := make([]chunk, 0, len(chunks))
	for _, c := range chunks {
		if p.tokens.Count(c.text) <= p.maxBatchTokens {
			out = append(out, c)
			continue
		}
		for _, piece := range p.tokens.Split(c.text, p.maxBatchTokens) {
			out = append(out, chunk{text: piece, page: c.page})
		}
	}
	return out
}

// embedAll batches chunk texts so no Embed call exceeds the token bound,
// retrying each batch with capped exponential backoff.
func (p *Pipeline) embedAll(ctx context.Context, chunks []chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))

	batch := make([]string, 0, len(chunks))
	batchTokens := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		vecs, err := p.embedBatch(ctx, batch)
		if err != nil {
			return err
		}
		vectors = append(vectors, vecs...)
		batch = batch[:0]
		batchTokens = 0
		return nil
	}

	for _, c := range chunks {
		n := p.tokens.Count(c.text)
		if len(batch) > 0 && batchTokens+n > p.maxBatchTokens {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		batch = append(batch, c.text)
		batchTokens += n
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (p *Pipeline) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var vecs [][]float32
	op := func() error {
		out, err := p.embedder.Embed(ctx, batch)
		if err != nil {
			p.logger.Warn("embedding batch failed", "size", len(batch), "error", err)
			return err
		}
		vecs = out
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retryBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 8 * time.Second

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)); err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(batch))
	}
	return vecs, nil
}

// chunkBody assembles the stored chunk document.
func (p *Pipeline) chunkBody(docID string, ordinal int, c chunk, vector []float32, src Source, identity Identity, prov Provenance, indexedAt time.Time) map[string]interface{} {
	connectorType := prov.ConnectorType
	if connectorType == "" {
		connectorType = "local"
	}

	body := map[string]interface{}{
		"document_id":               docID,
		"ordinal":                   ordinal,
		"page":                      nil,
		"text":                      c.text,
		"mimetype":                  src.Mimetype,
		"filename":                  src.displayName(),
		store.FieldFor(p.embedder.Model()): vector,
		"embedding_model":           p.embedder.Model(),
		"embedding_dimensions":      p.embedder.Dim(),
		"connector_type":            connectorType,
		"indexed_time":              indexedAt.Format(time.RFC3339),
	}
	if c.page != nil {
		body["page"] = *c.page
	}
	if prov.SourceURL != "" {
		body["source_url"] = prov.SourceURL
	}
	if prov.CreatedTime != nil {
		body["created_time"] = prov.CreatedTime.UTC().Format(time.RFC3339)
	}
	if prov.ModifiedTime != nil {
		body["modified_time"] = prov.ModifiedTime.UTC().Format(time.RFC3339)
	}
	if prov.FileSize > 0 {
		body["file_size"] = prov.FileSize
	}

	resolved := identity.resolve()
	if resolved.OwnerUserID != "" {
		body["owner"] = resolved.OwnerUserID
		if resolved.OwnerName != "" {
			body["owner_name"] = resolved.OwnerName
		}
		if resolved.OwnerEmail != "" {
			body["owner_email"] = resolved.OwnerEmail
		}
	}
	if prov.ACL != nil {
		if len(prov.ACL.AllowedUsers) > 0 {
			body["allowed_users"] = prov.ACL.AllowedUsers
		}
		if len(prov.ACL.AllowedGroups) > 0 {
			body["allowed_groups"] = prov.ACL.AllowedGroups
		}
		if len(prov.ACL.UserPermissions) > 0 {
			body["user_permissions"] = prov.ACL.UserPermissions
		}
		if len(prov.ACL.GroupPermissions) > 0 {
			body["group_permissions"] = prov.ACL.GroupPermissions
		}
	}
	return body
}
