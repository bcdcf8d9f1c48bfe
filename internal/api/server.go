// Package api is the HTTP surface of the Quarry service: document upload,
// task inspection, hybrid search, connection management, and the provider
// webhook endpoint.
package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-hclog"

	"github.com/quarrylabs/quarry/pkg/connectors"
	"github.com/quarrylabs/quarry/pkg/ingest"
	"github.com/quarrylabs/quarry/pkg/search"
	"github.com/quarrylabs/quarry/pkg/tasks"
)

// SearchService executes hybrid queries.
type SearchService interface {
	Search(ctx context.Context, queryText string, identity search.Identity, opts search.Options) (*search.Response, error)
}

// IngestService runs files through the ingestion pipeline.
type IngestService interface {
	Ingest(ctx context.Context, src ingest.Source, identity ingest.Identity, prov ingest.Provenance) (*ingest.Result, error)
}

// TaskService is the task engine surface the API exposes.
type TaskService interface {
	CreateUploadTask(userID string, itemKeys []string, fn tasks.ProcessFunc) (string, error)
	Status(userID, jobID string) (*tasks.JobView, error)
	ListTasks(userID string) []*tasks.JobView
	Cancel(userID, jobID string) error
}

// ConnectionService manages persisted connections and their provider-side
// lifecycle (authentication, webhook channel registration and teardown).
type ConnectionService interface {
	Create(ctx context.Context, conn connectors.Connection) (*connectors.Connection, error)
	Get(userID, id string) (*connectors.Connection, error)
	List(userID string) ([]*connectors.Connection, error)
	Delete(ctx context.Context, userID, id string) error
}

// WebhookService routes provider notifications.
type WebhookService interface {
	HandleWebhook(ctx context.Context, provider, method string, headers http.Header, query url.Values, body []byte) (*connectors.WebhookResult, error)
}

// Server bundles the service dependencies handlers need.
type Server struct {
	Logger      hclog.Logger
	Search      SearchService
	Ingest      IngestService
	Tasks       TaskService
	Connections ConnectionService
	Webhooks    WebhookService
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	if s.Logger == nil {
		s.Logger = hclog.NewNullLogger()
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/documents", s.documentsHandler())
	mux.Handle("/api/v1/search", s.searchHandler())
	mux.Handle("/api/v1/tasks", s.tasksHandler())
	mux.Handle("/api/v1/tasks/", s.taskHandler())
	mux.Handle("/api/v1/connections", s.connectionsHandler())
	mux.Handle("/api/v1/connections/", s.connectionHandler())
	mux.Handle("/connectors/", s.webhookHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// identityFrom reads the authenticated caller from request headers. Identity
// verification happens at the transport proxy; this layer only consumes the
// forwarded result.
func identityFrom(r *http.Request) (userID, token string) {
	userID = r.Header.Get("X-Quarry-User-Id")
	auth := r.Header.Get("Authorization")
	const bearer = "Bearer "
	if len(auth) > len(bearer) && auth[:len(bearer)] == bearer {
		token = auth[len(bearer):]
	}
	return userID, token
}
