package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/connectors"
	"github.com/quarrylabs/quarry/pkg/ingest"
	"github.com/quarrylabs/quarry/pkg/quarryerr"
	"github.com/quarrylabs/quarry/pkg/search"
	"github.com/quarrylabs/quarry/pkg/tasks"
)

type fakeSearch struct {
	res      *search.Response
	err      error
	lastOpts search.Options
	lastID   search.Identity
}

func (f *fakeSearch) Search(ctx context.Context, queryText string, identity search.Identity, opts search.Options) (*search.Response, error) {
	f.lastID = identity
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type fakeIngest struct {
	srcs []ingest.Source
}

func (f *fakeIngest) Ingest(ctx context.Context, src ingest.Source, identity ingest.Identity, prov ingest.Provenance) (*ingest.Result, error) {
	f.srcs = append(f.srcs, src)
	return &ingest.Result{Status: ingest.StatusIndexed, DocumentID: "doc-1"}, nil
}

type fakeTaskSvc struct {
	views  []*tasks.JobView
	status *tasks.JobView
	err    error
	keys   []string
}

func (f *fakeTaskSvc) CreateUploadTask(userID string, itemKeys []string, fn tasks.ProcessFunc) (string, error) {
	f.keys = itemKeys
	for _, key := range itemKeys {
		if _, err := fn(context.Background(), key); err != nil {
			return "", err
		}
	}
	return "job-1", nil
}
func (f *fakeTaskSvc) Status(userID, jobID string) (*tasks.JobView, error) { return f.status, f.err }
func (f *fakeTaskSvc) ListTasks(userID string) []*tasks.JobView           { return f.views }
func (f *fakeTaskSvc) Cancel(userID, jobID string) error                  { return f.err }

type fakeConnSvc struct {
	created *connectors.Connection
}

func (f *fakeConnSvc) Create(ctx context.Context, conn connectors.Connection) (*connectors.Connection, error) {
	conn.ID = "conn-1"
	f.created = &conn
	return &conn, nil
}
func (f *fakeConnSvc) Get(userID, id string) (*connectors.Connection, error) {
	return nil, quarryerr.New(quarryerr.KindNotFound, "nope")
}
func (f *fakeConnSvc) List(userID string) ([]*connectors.Connection, error) { return nil, nil }
func (f *fakeConnSvc) Delete(ctx context.Context, userID, id string) error  { return nil }

type fakeWebhookSvc struct {
	res *connectors.WebhookResult
}

func (f *fakeWebhookSvc) HandleWebhook(ctx context.Context, provider, method string, headers http.Header, query url.Values, body []byte) (*connectors.WebhookResult, error) {
	return f.res, nil
}

func newTestServer(t *testing.T) (*Server, *fakeSearch, *fakeIngest, *fakeTaskSvc, *fakeConnSvc, *fakeWebhookSvc) {
	t.Helper()
	fs := &fakeSearch{res: &search.Response{Results: []search.Result{}}}
	fi := &fakeIngest{}
	ft := &fakeTaskSvc{}
	fc := &fakeConnSvc{}
	fw := &fakeWebhookSvc{res: &connectors.WebhookResult{Status: connectors.WebhookTaskCreated, TaskID: "t1", AffectedFiles: 2}}
	srv := &Server{Search: fs, Ingest: fi, Tasks: ft, Connections: fc, Webhooks: fw}
	return srv, fs, fi, ft, fc, fw
}

func TestDocumentsUpload(t *testing.T) {
	srv, _, fi, ft, _, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", "hello.md")
	require.NoError(t, err)
	_, err = part.Write([]byte("# Hello\n\nworld"))
	require.NoError(t, err)
	part2, err := mw.CreateFormFile("files", "data.csv")
	require.NoError(t, err)
	_, err = part2.Write([]byte("a,b\n1,2\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Quarry-User-Id", "u1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var res DocumentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, []string{"hello.md", "data.csv"}, ft.keys)
	require.Len(t, fi.srcs, 2)
	assert.Equal(t, "hello.md", fi.srcs[0].Filename)
}

func TestDocumentsUpload_RequiresUser(t *testing.T) {
	srv, _, _, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader(""))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSearchEndpoint(t *testing.T) {
	srv, fs, _, _, _, _ := newTestServer(t)

	body := `{"query":"alpha","limit":5,"filters":{"owners":["u1"]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader(body))
	req.Header.Set("X-Quarry-User-Id", "u1")
	req.Header.Set("Authorization", "Bearer tok123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", fs.lastID.UserID)
	assert.Equal(t, "tok123", fs.lastID.JWTToken)
	assert.Equal(t, 5, fs.lastOpts.Limit)
}

func TestSearchEndpoint_Validation(t *testing.T) {
	srv, _, _, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader(`{"limit":5}`))
	req.Header.Set("X-Quarry-User-Id", "u1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchEndpoint_ErrorMapping(t *testing.T) {
	srv, fs, _, _, _, _ := newTestServer(t)
	fs.err = quarryerr.New(quarryerr.KindEmbeddingUnavailable, "all models down")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader(`{"query":"q"}`))
	req.Header.Set("X-Quarry-User-Id", "u1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "EMBEDDING_UNAVAILABLE", payload["kind"])
}

func TestTaskStatusNotFound(t *testing.T) {
	srv, _, _, ft, _, _ := newTestServer(t)
	ft.err = quarryerr.New(quarryerr.KindNotFound, "job nope not found")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/nope", nil)
	req.Header.Set("X-Quarry-User-Id", "u1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConnectionCreateValidation(t *testing.T) {
	srv, _, _, _, fc, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/connections",
		strings.NewReader(`{"connector_type":"dropbox","name":"x"}`))
	req.Header.Set("X-Quarry-User-Id", "u1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/connections",
		strings.NewReader(`{"connector_type":"google_drive","name":"work"}`))
	req.Header.Set("X-Quarry-User-Id", "u1")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "u1", fc.created.UserID)
}

func TestWebhookValidationEcho(t *testing.T) {
	srv, _, _, _, _, fw := newTestServer(t)
	fw.res = &connectors.WebhookResult{Status: connectors.WebhookValidation, ValidationBody: "echo-me"}

	req := httptest.NewRequest(http.MethodPost, "/connectors/onedrive/webhook?validationToken=echo-me", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "echo-me", rec.Body.String())
}

func TestWebhookDispatchResponse(t *testing.T) {
	srv, _, _, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/connectors/google_drive/webhook", nil)
	req.Header.Set("X-Goog-Channel-Id", "ch1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var res connectors.WebhookResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, connectors.WebhookTaskCreated, res.Status)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, 2, res.AffectedFiles)
}
