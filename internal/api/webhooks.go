package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/quarrylabs/quarry/pkg/connectors"
)

// maxWebhookBody bounds a provider notification payload.
const maxWebhookBody = 1 << 20

// webhookHandler serves /connectors/{variant}/webhook. The endpoint is
// unauthenticated by design: providers sign nothing useful here, and the
// router only acts on channels it already knows.
func (s *Server) webhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "connectors" || parts[2] != "webhook" {
			http.NotFound(w, r)
			return
		}
		provider := parts[1]

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		res, err := s.Webhooks.HandleWebhook(r.Context(), provider, r.Method, r.Header, r.URL.Query(), body)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		if res.Status == connectors.WebhookValidation {
			// Graph requires the validation token echoed as plain text.
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte(res.ValidationBody)); err != nil {
				s.Logger.Error("failed to write validation echo", "error", err)
			}
			return
		}
		s.writeJSON(w, http.StatusOK, res)
	})
}
