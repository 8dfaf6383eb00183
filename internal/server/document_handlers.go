package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"

	"signet/internal/memerr"
	"signet/internal/store"
	"signet/internal/worker"
)

type ingestDocumentRequest struct {
	Path    string `json:"path"`
	Project string `json:"project,omitempty"`
	Who     string `json:"who,omitempty"`
}

// handleIngestDocument enqueues a document-ingestion job and returns
// its id. The chunking and per-chunk writes happen asynchronously; poll
// GET /api/memory/jobs/{id} for the outcome.
func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	if !s.gateWrites(w) {
		return
	}
	var req ingestDocumentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Path == "" || !filepath.IsAbs(req.Path) {
		s.writeError(w, memerr.New(memerr.CodeInvalidPayload, "path must be absolute"))
		return
	}

	payload, err := json.Marshal(worker.DocumentPayload{
		Path:    req.Path,
		Project: req.Project,
		Who:     req.Who,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	job := &store.Job{Type: store.JobDocument, Payload: string(payload)}
	if err := s.store.EnqueueJob(r.Context(), job); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobID": job.ID, "status": job.Status})
}
