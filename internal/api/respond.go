package api

import (
	"encoding/json"
	"net/http"

	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

// statusForKind maps the error taxonomy onto HTTP status codes.
func statusForKind(kind quarryerr.Kind) int {
	switch kind {
	case quarryerr.KindUnauthenticated:
		return http.StatusUnauthorized
	case quarryerr.KindAccessDenied:
		return http.StatusForbidden
	case quarryerr.KindNotFound:
		return http.StatusNotFound
	case quarryerr.KindInvalidInput:
		return http.StatusBadRequest
	case quarryerr.KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case quarryerr.KindTimeout:
		return http.StatusGatewayTimeout
	case quarryerr.KindEmbeddingUnavailable, quarryerr.KindStoreError, quarryerr.KindUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.Logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := quarryerr.KindOf(err)
	status := statusForKind(kind)
	if status >= 500 {
		s.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.Logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}
