package server

import (
	"context"
	"net/http"
	"time"

	"signet/internal/memerr"
	"signet/internal/recall"
	"signet/internal/session"
	"signet/internal/store"
)

// hookHandler adapts one session manager method into an endpoint. The
// lifecycle hooks share a request and response shape.
func (s *Server) hookHandler(fn func(context.Context, *session.HookRequest) (*session.HookResponse, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req session.HookRequest
		if !s.decode(w, r, &req) {
			return
		}
		if req.RuntimePath == "" {
			req.RuntimePath = runtimePath(r)
		}
		resp, err := fn(r.Context(), &req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

type hookRememberRequest struct {
	session.HookRequest
	Content    string   `json:"content"`
	Type       string   `json:"type,omitempty"`
	Importance *float64 `json:"importance,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Pinned     bool     `json:"pinned,omitempty"`
}

// handleHookRemember is the harness-facing remember: attribution comes
// from the hook body rather than headers, and the write lands under the
// hook's session key.
func (s *Server) handleHookRemember(w http.ResponseWriter, r *http.Request) {
	if !s.gateWrites(w) {
		return
	}
	var req hookRememberRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.RuntimePath == "" {
		req.RuntimePath = runtimePath(r)
	}

	shadow := s.cfg().Pipeline.ShadowMode
	res, err := s.store.Remember(r.Context(), req.Content, store.RememberOptions{
		Type:           req.Type,
		Importance:     req.Importance,
		Tags:           req.Tags,
		Who:            req.Who,
		Project:        req.Project,
		Pinned:         req.Pinned,
		RuntimePath:    req.RuntimePath,
		EnqueueEmbed:   s.embedder != nil && !shadow,
		EnqueueExtract: s.canExtract && !shadow,
		Write: store.WriteContext{
			Actor:      req.Harness,
			ActorType:  store.ActorHarness,
			SessionKey: req.SessionKey,
		},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !res.Deduped {
		s.signMemory(r.Context(), res.ID)
	}
	s.writeJSON(w, http.StatusOK, rememberResponse{ID: res.ID, Version: res.Version, Deduped: res.Deduped})
}

type hookRecallRequest struct {
	session.HookRequest
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// handleHookRecall returns both the raw results and the formatted
// injection block so a harness can use either.
func (s *Server) handleHookRecall(w http.ResponseWriter, r *http.Request) {
	var req hookRecallRequest
	if !s.decode(w, r, &req) {
		return
	}

	cfg := s.cfg()
	rctx, cancel := context.WithTimeout(r.Context(), cfg.Workers.RecallTimeout.Std())
	defer cancel()

	start := time.Now()
	results, err := s.engine.Recall(rctx, recall.Query{
		Text:    req.Query,
		Project: req.Project,
		Limit:   req.Limit,
	})
	if err != nil {
		if rctx.Err() == context.DeadlineExceeded {
			s.writeError(w, memerr.Wrap(memerr.CodeTimeout, err, "recall timed out"))
			return
		}
		s.writeError(w, err)
		return
	}

	out := make([]recallResult, 0, len(results))
	for _, res := range results {
		out = append(out, recallResult{Memory: res.Memory, Score: res.Score, Source: res.Source})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"inject":  recall.FormatInjection(results, s.engine.Name(), req.Query),
		"results": out,
		"stats": recallStats{
			Total:        len(out),
			SearchTimeMs: time.Since(start).Milliseconds(),
			Engine:       s.engine.Name(),
		},
	})
}
