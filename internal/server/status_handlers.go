package server

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"signet/internal/memerr"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   s.version,
		"pid":       os.Getpid(),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"port":      cfg.Daemon.Port,
		"agentsDir": cfg.Daemon.AgentsDir,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg()

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	jobs, err := s.store.JobCounts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	embedderName := ""
	if s.embedder != nil {
		embedderName = s.embedder.Name()
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":          s.version,
		"uptime":           time.Since(s.startedAt).Round(time.Second).String(),
		"pipeline":         cfg.Pipeline,
		"engine":           s.engine.Name(),
		"embedder":         embedderName,
		"vector_available": s.store.VectorAvailable(),
		"stats":            stats,
		"jobs":             jobs,
	})
}

// handleLogStream serves the log tail as server-sent events, one JSON
// log entry per event. The subscription drops events if the client
// cannot keep up; logs are observability, not a durable feed.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, memerr.New(memerr.CodeDisabled, "log streaming is not enabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, memerr.New(memerr.CodeInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
