package api

import (
	"context"
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/quarrylabs/quarry/pkg/ingest"
	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

// maxUploadBytes bounds one multipart upload request.
const maxUploadBytes = 256 << 20

// DocumentsResponse is the upload job handle.
type DocumentsResponse struct {
	JobID string `json:"job_id"`
	Files int    `json:"files"`
}

// documentsHandler accepts a multipart upload and enqueues one ingestion
// job with one item per file.
func (s *Server) documentsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w)
			return
		}
		userID, token := identityFrom(r)
		if userID == "" {
			s.writeError(w, r, quarryerr.New(quarryerr.KindUnauthenticated, "upload requires an authenticated user"))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		reader, err := r.MultipartReader()
		if err != nil {
			s.writeError(w, r, quarryerr.Wrap(quarryerr.KindInvalidInput, "expected multipart/form-data", err))
			return
		}

		// Capture every part up front; the job outlives the request.
		type upload struct {
			content  []byte
			mimetype string
		}
		files := make(map[string]upload)
		var keys []string
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				s.writeError(w, r, quarryerr.Wrap(quarryerr.KindInvalidInput, "malformed multipart body", err))
				return
			}
			filename := part.FileName()
			if filename == "" {
				continue
			}
			content, err := io.ReadAll(part)
			if err != nil {
				s.writeError(w, r, quarryerr.Wrap(quarryerr.KindInvalidInput, "failed to read upload "+filename, err))
				return
			}
			mimetype := part.Header.Get("Content-Type")
			if mimetype == "" {
				mimetype = mime.TypeByExtension(filepath.Ext(filename))
			}
			if _, dup := files[filename]; !dup {
				keys = append(keys, filename)
			}
			files[filename] = upload{content: content, mimetype: mimetype}
		}
		if len(keys) == 0 {
			s.writeError(w, r, quarryerr.New(quarryerr.KindInvalidInput, "upload contains no files"))
			return
		}

		identity := ingest.Identity{OwnerUserID: userID, JWTToken: token}
		jobID, err := s.Tasks.CreateUploadTask(userID, keys, func(ctx context.Context, filename string) (map[string]interface{}, error) {
			f := files[filename]
			res, err := s.Ingest.Ingest(ctx,
				ingest.Source{Content: f.content, Filename: filename, Mimetype: f.mimetype},
				identity,
				ingest.Provenance{ConnectorType: "local", FileSize: int64(len(f.content))},
			)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"document_id": res.DocumentID,
				"status":      res.Status,
			}, nil
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		s.Logger.Info("enqueued upload job", "job_id", jobID, "user_id", userID, "files", len(keys))
		s.writeJSON(w, http.StatusAccepted, DocumentsResponse{JobID: jobID, Files: len(keys)})
	})
}
