package api

import (
	"encoding/json"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/quarrylabs/quarry/pkg/quarryerr"
	"github.com/quarrylabs/quarry/pkg/search"
)

// SearchRequest is the hybrid search request body.
type SearchRequest struct {
	Query          string                 `json:"query"`
	Filters        map[string]interface{} `json:"filters,omitempty"`
	Limit          int                    `json:"limit,omitempty"`
	ScoreThreshold float64                `json:"score_threshold,omitempty"`
	NumCandidates  int                    `json:"num_candidates,omitempty"`
}

func (req SearchRequest) validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Query, validation.Required),
		validation.Field(&req.Limit, validation.Min(0), validation.Max(1000)),
	)
}

func (s *Server) searchHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w)
			return
		}
		userID, token := identityFrom(r)

		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, quarryerr.Wrap(quarryerr.KindInvalidInput, "invalid search request", err))
			return
		}
		if err := req.validate(); err != nil {
			s.writeError(w, r, quarryerr.Wrap(quarryerr.KindInvalidInput, "invalid search request", err))
			return
		}

		res, err := s.Search.Search(r.Context(), req.Query,
			search.Identity{UserID: userID, JWTToken: token},
			search.Options{
				Filters:        req.Filters,
				Limit:          req.Limit,
				ScoreThreshold: req.ScoreThreshold,
				NumCandidates:  req.NumCandidates,
			})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, res)
	})
}
