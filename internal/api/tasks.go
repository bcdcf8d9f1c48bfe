package api

import (
	"net/http"
	"strings"

	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

func (s *Server) tasksHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w)
			return
		}
		userID, _ := identityFrom(r)
		if userID == "" {
			s.writeError(w, r, quarryerr.New(quarryerr.KindUnauthenticated, "task listing requires an authenticated user"))
			return
		}
		s.writeJSON(w, http.StatusOK, s.Tasks.ListTasks(userID))
	})
}

// taskHandler serves /api/v1/tasks/{job_id}: GET for status, DELETE for
// best-effort cancellation.
func (s *Server) taskHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := identityFrom(r)
		if userID == "" {
			s.writeError(w, r, quarryerr.New(quarryerr.KindUnauthenticated, "task access requires an authenticated user"))
			return
		}
		jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), "/")
		if jobID == "" || strings.Contains(jobID, "/") {
			s.writeError(w, r, quarryerr.New(quarryerr.KindInvalidInput, "invalid task id"))
			return
		}

		switch r.Method {
		case http.MethodGet:
			view, err := s.Tasks.Status(userID, jobID)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusOK, view)
		case http.MethodDelete:
			if err := s.Tasks.Cancel(userID, jobID); err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
		default:
			s.methodNotAllowed(w)
		}
	})
}
