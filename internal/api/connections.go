package api

import (
	"encoding/json"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/quarrylabs/quarry/pkg/connectors"
	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

// ConnectionRequest creates a connection.
type ConnectionRequest struct {
	Type      string               `json:"connector_type"`
	Name      string               `json:"name"`
	Selection connectors.Selection `json:"selection"`
	Config    map[string]string    `json:"config,omitempty"`
}

func (req ConnectionRequest) validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Type, validation.Required,
			validation.In(toInterfaces(connectors.ValidTypes)...)),
		validation.Field(&req.Name, validation.Required, validation.Length(1, 128)),
	)
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func (s *Server) connectionsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := identityFrom(r)
		if userID == "" {
			s.writeError(w, r, quarryerr.New(quarryerr.KindUnauthenticated, "connection management requires an authenticated user"))
			return
		}

		switch r.Method {
		case http.MethodPost:
			var req ConnectionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				s.writeError(w, r, quarryerr.Wrap(quarryerr.KindInvalidInput, "invalid connection request", err))
				return
			}
			if err := req.validate(); err != nil {
				s.writeError(w, r, quarryerr.Wrap(quarryerr.KindInvalidInput, "invalid connection request", err))
				return
			}
			created, err := s.Connections.Create(r.Context(), connectors.Connection{
				UserID:    userID,
				Type:      req.Type,
				Name:      req.Name,
				Selection: req.Selection,
				Config:    req.Config,
			})
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusCreated, created)
		case http.MethodGet:
			list, err := s.Connections.List(userID)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusOK, list)
		default:
			s.methodNotAllowed(w)
		}
	})
}

// connectionHandler serves /api/v1/connections/{id}.
func (s *Server) connectionHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := identityFrom(r)
		if userID == "" {
			s.writeError(w, r, quarryerr.New(quarryerr.KindUnauthenticated, "connection management requires an authenticated user"))
			return
		}
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/connections/"), "/")
		if id == "" || strings.Contains(id, "/") {
			s.writeError(w, r, quarryerr.New(quarryerr.KindInvalidInput, "invalid connection id"))
			return
		}

		switch r.Method {
		case http.MethodGet:
			conn, err := s.Connections.Get(userID, id)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusOK, conn)
		case http.MethodDelete:
			if err := s.Connections.Delete(r.Context(), userID, id); err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			s.methodNotAllowed(w)
		}
	})
}
