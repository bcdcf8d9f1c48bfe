package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/embedding"
	"github.com/quarrylabs/quarry/pkg/hashing"
	"github.com/quarrylabs/quarry/pkg/parser"
)

type indexedChunk struct {
	id   string
	body map[string]interface{}
}

type fakeStore struct {
	mu            sync.Mutex
	exists        bool
	existsErrs    int // fail the first N existence checks
	existsCalls   int
	indexErr      error
	indexed       []indexedChunk
}

func (s *fakeStore) ExistsChunkGroup(ctx context.Context, documentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsCalls++
	if s.existsErrs > 0 {
		s.existsErrs--
		return false, errors.New("store unavailable")
	}
	return s.exists, nil
}

func (s *fakeStore) IndexChunk(ctx context.Context, id string, body map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexErr != nil {
		return s.indexErr
	}
	s.indexed = append(s.indexed, indexedChunk{id: id, body: body})
	return nil
}

type fakeEnsurer struct {
	mu    sync.Mutex
	model string
	dim   int
	calls int
	err   error
}

func (e *fakeEnsurer) Ensure(ctx context.Context, model string, dimension int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.model = model
	e.dim = dimension
	return e.err
}

type fakeParser struct {
	doc   *parser.Document
	err   error
	calls int
	last  parser.Request
}

func (p *fakeParser) Parse(ctx context.Context, req parser.Request) (*parser.Document, error) {
	p.calls++
	p.last = req
	if p.err != nil {
		return nil, p.err
	}
	return p.doc, nil
}

// wordTokens counts whitespace-separated words as tokens so tests stay
// independent of real BPE vocabularies.
type wordTokens struct{}

func (wordTokens) Count(text string) int { return len(strings.Fields(text)) }

func (wordTokens) Split(text string, maxTokens int) []string {
	words := strings.Fields(text)
	var out []string
	for len(words) > 0 {
		n := maxTokens
		if n > len(words) {
			n = len(words)
		}
		out = append(out, strings.Join(words[:n], " "))
		words = words[n:]
	}
	return out
}

func newTestPipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = &fakeStore{}
	}
	if cfg.Registry == nil {
		cfg.Registry = &fakeEnsurer{}
	}
	if cfg.Embedder == nil {
		cfg.Embedder = embedding.NewMockEmbedder("nomic-embed-text", 8)
	}
	if cfg.Parser == nil {
		cfg.Parser = &fakeParser{doc: &parser.Document{Pages: []parser.Page{{Text: "hello"}}}}
	}
	if cfg.Tokens == nil {
		cfg.Tokens = wordTokens{}
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	return p
}

func TestPipeline_UploadIndexesChunks(t *testing.T) {
	st := &fakeStore{}
	reg := &fakeEnsurer{}
	emb := embedding.NewMockEmbedder("nomic-embed-text", 8)
	fp := &fakeParser{doc: &parser.Document{Pages: []parser.Page{{Text: "the quick brown fox"}}}}
	p := newTestPipeline(t, Config{Store: st, Registry: reg, Embedder: emb, Parser: fp})

	res, err := p.Ingest(context.Background(), Source{
		Content:  []byte("the quick brown fox"),
		Filename: "fox.md",
		Mimetype: "text/markdown",
	}, Identity{}, Provenance{})
	require.NoError(t, err)
	assert.Equal(t, StatusIndexed, res.Status)
	assert.NotEmpty(t, res.DocumentID)

	require.Len(t, st.indexed, 1)
	ch := st.indexed[0]
	assert.Equal(t, res.DocumentID+"_0", ch.id)
	assert.Equal(t, res.DocumentID, ch.body["document_id"])
	assert.Equal(t, 0, ch.body["ordinal"])
	assert.Nil(t, ch.body["page"])
	assert.Equal(t, "the quick brown fox", ch.body["text"])
	assert.Equal(t, "fox.md", ch.body["filename"])
	assert.Equal(t, "text/markdown", ch.body["mimetype"])
	assert.Equal(t, "nomic-embed-text", ch.body["embedding_model"])
	assert.Equal(t, 8, ch.body["embedding_dimensions"])
	assert.Equal(t, "local", ch.body["connector_type"])
	vec, ok := ch.body["chunk_embedding_nomic_embed_text"].([]float32)
	require.True(t, ok, "vector must live in the model's dynamic field")
	assert.Len(t, vec, 8)

	// Public ingestion carries no owner.
	_, hasOwner := ch.body["owner"]
	assert.False(t, hasOwner)

	// Mapping was guaranteed before the write.
	assert.Equal(t, 1, reg.calls)
	assert.Equal(t, "nomic-embed-text", reg.model)
	assert.Equal(t, 8, reg.dim)
}

func TestPipeline_UnchangedSkipsParseAndEmbed(t *testing.T) {
	st := &fakeStore{exists: true}
	emb := embedding.NewMockEmbedder("m", 4)
	fp := &fakeParser{doc: &parser.Document{}}
	p := newTestPipeline(t, Config{Store: st, Embedder: emb, Parser: fp})

	res, err := p.Ingest(context.Background(), Source{Content: []byte("same bytes"), Filename: "a.txt"}, Identity{}, Provenance{})
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, res.Status)
	assert.Equal(t, 0, fp.calls)
	assert.Equal(t, 0, emb.CallCount())
	assert.Empty(t, st.indexed)
}

func TestPipeline_DedupFailureTreatedAsNotIndexed(t *testing.T) {
	st := &fakeStore{exists: true, existsErrs: 10}
	p := newTestPipeline(t, Config{Store: st})

	res, err := p.Ingest(context.Background(), Source{Content: []byte("x"), Filename: "a.txt"}, Identity{}, Provenance{})
	require.NoError(t, err)
	assert.Equal(t, StatusIndexed, res.Status, "an unreachable store must not drop the document")
	assert.Equal(t, 4, st.existsCalls, "initial check plus three retries")
	assert.NotEmpty(t, st.indexed)
}

func TestPipeline_ChunkOrderingPagesThenTables(t *testing.T) {
	st := &fakeStore{}
	fp := &fakeParser{doc: &parser.Document{
		Pages: []parser.Page{
			{PageNo: 1, Text: "page one"},
			{PageNo: 2, Text: "page two"},
		},
		Tables: []parser.Table{
			{PageNo: 2, Rows: [][]string{{"name", "qty"}, {"widget", "4"}}},
		},
	}}
	p := newTestPipeline(t, Config{Store: st, Parser: fp})

	res, err := p.Ingest(context.Background(), Source{Content: []byte("doc"), Filename: "report.pdf"}, Identity{}, Provenance{})
	require.NoError(t, err)
	require.Len(t, st.indexed, 3)

	assert.Equal(t, res.DocumentID+"_0", st.indexed[0].id)
	assert.Equal(t, "page one", st.indexed[0].body["text"])
	assert.Equal(t, 1, st.indexed[0].body["page"])

	assert.Equal(t, res.DocumentID+"_1", st.indexed[1].id)
	assert.Equal(t, 2, st.indexed[1].body["page"])

	assert.Equal(t, res.DocumentID+"_2", st.indexed[2].id)
	assert.Equal(t, "name\tqty\nwidget\t4", st.indexed[2].body["text"])
	assert.Equal(t, 2, st.indexed[2].body["page"])
}

func TestPipeline_BatchesRespectTokenBound(t *testing.T) {
	emb := embedding.NewMockEmbedder("m", 4)
	fp := &fakeParser{doc: &parser.Document{Pages: []parser.Page{
		{Text: "one two"},
		{Text: "three four"},
		{Text: "five six"},
	}}}
	p := newTestPipeline(t, Config{Embedder: emb, Parser: fp, MaxBatchTokens: 4})

	_, err := p.Ingest(context.Background(), Source{Content: []byte("d"), Filename: "a.txt"}, Identity{}, Provenance{})
	require.NoError(t, err)

	calls := emb.Calls()
	require.Len(t, calls, 2, "three 2-token chunks under a 4-token bound make two batches")
	assert.Equal(t, []string{"one two", "three four"}, calls[0])
	assert.Equal(t, []string{"five six"}, calls[1])
}

func TestPipeline_OversizedChunkSplitPreservesPage(t *testing.T) {
	st := &fakeStore{}
	fp := &fakeParser{doc: &parser.Document{Pages: []parser.Page{
		{PageNo: 3, Text: "a b c d e f g"},
	}}}
	p := newTestPipeline(t, Config{Store: st, Parser: fp, MaxBatchTokens: 3})

	res, err := p.Ingest(context.Background(), Source{Content: []byte("d"), Filename: "a.txt"}, Identity{}, Provenance{})
	require.NoError(t, err)

	require.Len(t, st.indexed, 3)
	assert.Equal(t, "a b c", st.indexed[0].body["text"])
	assert.Equal(t, "d e f", st.indexed[1].body["text"])
	assert.Equal(t, "g", st.indexed[2].body["text"])
	for i, ch := range st.indexed {
		assert.Equal(t, res.DocumentID, ch.body["document_id"])
		assert.Equal(t, i, ch.body["ordinal"])
		assert.Equal(t, 3, ch.body["page"], "split pieces keep the source page")
	}
}

func TestPipeline_OwnerAndACL(t *testing.T) {
	st := &fakeStore{}
	p := newTestPipeline(t, Config{Store: st})

	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := p.Ingest(context.Background(),
		Source{Content: []byte("private doc"), Filename: "a.txt"},
		Identity{OwnerUserID: "user-7"},
		Provenance{
			ConnectorType: "google_drive",
			SourceURL:     "https://drive.example/f/1",
			CreatedTime:   &created,
			FileSize:      11,
			ACL: &ACL{
				AllowedUsers:  []string{"user-7", "user-9"},
				AllowedGroups: []string{"eng"},
			},
		})
	require.NoError(t, err)

	require.Len(t, st.indexed, 1)
	body := st.indexed[0].body
	assert.Equal(t, "user-7", body["owner"])
	assert.Equal(t, "google_drive", body["connector_type"])
	assert.Equal(t, "https://drive.example/f/1", body["source_url"])
	assert.Equal(t, "2025-03-01T10:00:00Z", body["created_time"])
	assert.Equal(t, int64(11), body["file_size"])
	assert.Equal(t, []string{"user-7", "user-9"}, body["allowed_users"])
	assert.Equal(t, []string{"eng"}, body["allowed_groups"])
}

func TestPipeline_FrontmatterDatesFillProvenance(t *testing.T) {
	st := &fakeStore{}
	created := time.Date(2025, 11, 8, 0, 0, 0, 0, time.UTC)
	fp := &fakeParser{doc: &parser.Document{
		Pages: []parser.Page{{Text: "body"}},
		Meta:  &parser.Meta{Title: "Notes", Created: &created},
	}}
	p := newTestPipeline(t, Config{Store: st, Parser: fp})

	_, err := p.Ingest(context.Background(), Source{Content: []byte("d"), Filename: "notes.md"}, Identity{}, Provenance{})
	require.NoError(t, err)

	require.Len(t, st.indexed, 1)
	assert.Equal(t, "2025-11-08T00:00:00Z", st.indexed[0].body["created_time"])
	_, hasModified := st.indexed[0].body["modified_time"]
	assert.False(t, hasModified)
}

func TestPipeline_ConnectorTimesWinOverFrontmatter(t *testing.T) {
	st := &fakeStore{}
	frontmatter := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	connector := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fp := &fakeParser{doc: &parser.Document{
		Pages: []parser.Page{{Text: "body"}},
		Meta:  &parser.Meta{Created: &frontmatter},
	}}
	p := newTestPipeline(t, Config{Store: st, Parser: fp})

	_, err := p.Ingest(context.Background(), Source{Content: []byte("d"), Filename: "notes.md"}, Identity{},
		Provenance{CreatedTime: &connector})
	require.NoError(t, err)

	require.Len(t, st.indexed, 1)
	assert.Equal(t, "2025-06-01T12:00:00Z", st.indexed[0].body["created_time"])
}

func TestPipeline_OwnerFromTokenSubject(t *testing.T) {
	st := &fakeStore{}
	p := newTestPipeline(t, Config{Store: st})

	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub":   "token-user",
		"name":  "Token User",
		"email": "token@example.com",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = p.Ingest(context.Background(),
		Source{Content: []byte("doc"), Filename: "a.txt"},
		Identity{JWTToken: token},
		Provenance{})
	require.NoError(t, err)

	require.Len(t, st.indexed, 1)
	assert.Equal(t, "token-user", st.indexed[0].body["owner"])
	assert.Equal(t, "Token User", st.indexed[0].body["owner_name"])
	assert.Equal(t, "token@example.com", st.indexed[0].body["owner_email"])
}

func TestPipeline_EmbeddingFailurePropagates(t *testing.T) {
	st := &fakeStore{}
	emb := embedding.NewMockEmbedder("m", 4)
	emb.Err = errors.New("model is loading")
	p := newTestPipeline(t, Config{Store: st, Embedder: emb})

	_, err := p.Ingest(context.Background(), Source{Content: []byte("x"), Filename: "a.txt"}, Identity{}, Provenance{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to generate embeddings")
	assert.Equal(t, 4, emb.CallCount(), "initial call plus three retries before giving up")
	assert.Empty(t, st.indexed, "no chunks are written when embedding fails")
}

func TestPipeline_ParserErrorPropagates(t *testing.T) {
	st := &fakeStore{}
	fp := &fakeParser{err: errors.New("corrupt pdf")}
	p := newTestPipeline(t, Config{Store: st, Parser: fp})

	_, err := p.Ingest(context.Background(), Source{Content: []byte("x"), Filename: "a.pdf"}, Identity{}, Provenance{})
	require.Error(t, err)
	assert.Empty(t, st.indexed)
}

func TestPipeline_IdenticalBytesDifferentNameReindexes(t *testing.T) {
	h := hashing.New()
	a := h.HashBytes([]byte("same"), "a.txt")
	b := h.HashBytes([]byte("same"), "b.txt")
	assert.NotEqual(t, a, b, "filename participates in identity")
}
