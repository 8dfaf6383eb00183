package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"signet/internal/memerr"
	"signet/internal/recall"
	"signet/internal/signing"
	"signet/internal/store"
)

type rememberRequest struct {
	Content        string   `json:"content"`
	Type           string   `json:"type,omitempty"`
	Importance     *float64 `json:"importance,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Who            string   `json:"who,omitempty"`
	Project        string   `json:"project,omitempty"`
	Pinned         bool     `json:"pinned,omitempty"`
	SourceType     string   `json:"source_type,omitempty"`
	SourcePath     string   `json:"source_path,omitempty"`
	SourceSection  string   `json:"source_section,omitempty"`
	SourceID       string   `json:"source_id,omitempty"`
	IdempotencyKey string   `json:"idempotencyKey,omitempty"`
	RuntimePath    string   `json:"runtimePath,omitempty"`

	// Mode controls embedding: "sync" embeds inline, "async" queues a
	// job, "auto" (default) queues when an embedder is configured.
	Mode string `json:"mode,omitempty"`
}

type rememberResponse struct {
	ID       string `json:"id"`
	Version  int64  `json:"version"`
	Deduped  bool   `json:"deduped,omitempty"`
	Embedded bool   `json:"embedded,omitempty"`
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	if !s.gateWrites(w) {
		return
	}
	var req rememberRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.RuntimePath == "" {
		req.RuntimePath = runtimePath(r)
	}

	// Shadow mode accepts the write but keeps the derived pipeline
	// quiet: no inline embed, no embed or extract jobs.
	shadow := s.cfg().Pipeline.ShadowMode
	sync := req.Mode == "sync" && s.embedder != nil && !shadow

	res, err := s.store.Remember(r.Context(), req.Content, store.RememberOptions{
		Type:           req.Type,
		Importance:     req.Importance,
		Confidence:     req.Confidence,
		Tags:           req.Tags,
		Who:            req.Who,
		Project:        req.Project,
		Pinned:         req.Pinned,
		SourceType:     req.SourceType,
		SourcePath:     req.SourcePath,
		SourceSection:  req.SourceSection,
		SourceID:       req.SourceID,
		IdempotencyKey: req.IdempotencyKey,
		RuntimePath:    req.RuntimePath,
		EnqueueEmbed:   s.embedder != nil && !sync && !shadow,
		EnqueueExtract: s.canExtract && !shadow,
		Write:          writeContext(r),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !res.Deduped {
		s.signMemory(r.Context(), res.ID)
	}

	embedded := false
	if sync && !res.Deduped {
		embedded = s.embedInline(r.Context(), res.ID)
	}

	s.writeJSON(w, http.StatusOK, rememberResponse{
		ID: res.ID, Version: res.Version, Deduped: res.Deduped, Embedded: embedded,
	})
}

// signMemory attaches a signature after insert; the payload covers the
// generated id and created_at, so signing cannot happen earlier.
func (s *Server) signMemory(ctx context.Context, id string) {
	if s.signer == nil || !s.cfg().Signing.AutoSign {
		return
	}
	m, err := s.store.Get(ctx, id)
	if err != nil || m.Signature != "" {
		return
	}
	sig, did, err := s.signer.Sign(signing.Envelope{
		ID: m.ID, ContentHash: m.ContentHash, CreatedAt: m.CreatedAt,
	})
	if err != nil {
		s.logger.Warn("memory signing failed", zap.String("id", id), zap.Error(err))
		return
	}
	if err := s.store.SetSignature(ctx, id, sig, did); err != nil {
		s.logger.Warn("signature store failed", zap.String("id", id), zap.Error(err))
	}
}

// embedInline embeds on the request path. Failure is not an error: the
// row exists, a queued job retries, the caller just sees embedded=false.
func (s *Server) embedInline(ctx context.Context, id string) bool {
	cfg := s.cfg()
	ectx, cancel := context.WithTimeout(ctx, cfg.Workers.EmbedTimeout.Std())
	defer cancel()

	m, err := s.store.Get(ectx, id)
	if err != nil {
		return false
	}
	vec, err := s.embedder.Embed(ectx, m.Content)
	if err != nil {
		s.logger.Warn("inline embed failed, queueing job", zap.String("id", id), zap.Error(err))
		_ = s.store.EnqueueJob(ctx, &store.Job{MemoryID: id, Type: store.JobEmbed})
		return false
	}
	if err := s.store.UpsertEmbedding(ectx, &store.Embedding{
		ContentHash: m.ContentHash,
		Vector:      vec,
		SourceType:  "memory",
		SourceID:    m.ID,
		Model:       s.embedder.Name(),
	}); err != nil {
		return false
	}
	if err := s.store.SetEmbedded(ectx, id, s.embedder.Name()); err != nil {
		return false
	}
	return true
}

type recallRequest struct {
	Query         string   `json:"query"`
	Limit         int      `json:"limit,omitempty"`
	Type          string   `json:"type,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Who           string   `json:"who,omitempty"`
	Project       string   `json:"project,omitempty"`
	Pinned        *bool    `json:"pinned,omitempty"`
	ImportanceMin float64  `json:"importance_min,omitempty"`
	Since         string   `json:"since,omitempty"`
	MinScore      *float64 `json:"minScore,omitempty"`
}

type recallResponse struct {
	Results []recallResult `json:"results"`
	Stats   recallStats    `json:"stats"`
}

type recallResult struct {
	*store.Memory
	Score  float64 `json:"score"`
	Source string  `json:"source"`
}

type recallStats struct {
	Total        int    `json:"total"`
	SearchTimeMs int64  `json:"searchTime"`
	Engine       string `json:"engine"`
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if !s.decode(w, r, &req) {
		return
	}

	cfg := s.cfg()
	rctx, cancel := context.WithTimeout(r.Context(), cfg.Workers.RecallTimeout.Std())
	defer cancel()

	start := time.Now()
	results, err := s.engine.Recall(rctx, recall.Query{
		Text:          req.Query,
		Type:          req.Type,
		Tags:          req.Tags,
		Who:           req.Who,
		Project:       req.Project,
		Pinned:        req.Pinned,
		ImportanceMin: req.ImportanceMin,
		Since:         req.Since,
		MinScore:      req.MinScore,
		Limit:         req.Limit,
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
	s.writeJSON(w, http.StatusOK, recallResponse{
		Results: out,
		Stats: recallStats{
			Total:        len(out),
			SearchTimeMs: time.Since(start).Milliseconds(),
			Engine:       s.engine.Name(),
		},
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	mems, err := s.store.List(r.Context(), store.ListOptions{
		Limit:   limit,
		Offset:  offset,
		Type:    q.Get("type"),
		Project: q.Get("project"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"memories": mems,
		"count":    len(mems),
	})
}

type modifyRequest struct {
	Content    *string   `json:"content,omitempty"`
	Type       *string   `json:"type,omitempty"`
	Importance *float64  `json:"importance,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
	Pinned     *bool     `json:"pinned,omitempty"`
	Who        *string   `json:"who,omitempty"`
	Project    *string   `json:"project,omitempty"`
	Reason     string    `json:"reason"`
	IfVersion  *int64    `json:"if_version,omitempty"`
}

func (s *Server) handleModify(w http.ResponseWriter, r *http.Request) {
	if !s.gateUpdateDelete(w) {
		return
	}
	var req modifyRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.store.Modify(r.Context(), chi.URLParam(r, "id"), store.ModifyPatch{
		Content:    req.Content,
		Type:       req.Type,
		Importance: req.Importance,
		Confidence: req.Confidence,
		Tags:       req.Tags,
		Pinned:     req.Pinned,
		Who:        req.Who,
		Project:    req.Project,
		Reason:     req.Reason,
		IfVersion:  req.IfVersion,
	}, writeContext(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	if !s.gateUpdateDelete(w) {
		return
	}
	q := r.URL.Query()
	force := q.Get("force") == "true"
	var ifVersion *int64
	if v := q.Get("if_version"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, memerr.New(memerr.CodeInvalidPayload, "if_version must be an integer"))
			return
		}
		ifVersion = &n
	}

	res, err := s.store.Forget(r.Context(), chi.URLParam(r, "id"), q.Get("reason"), force, ifVersion, writeContext(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type recoverRequest struct {
	Reason    string `json:"reason,omitempty"`
	IfVersion *int64 `json:"if_version,omitempty"`
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if !s.gateWrites(w) {
		return
	}
	var req recoverRequest
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}

	res, err := s.store.Recover(r.Context(), chi.URLParam(r, "id"), req.Reason, req.IfVersion, writeContext(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.store.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

type batchForgetRequest struct {
	Mode         string   `json:"mode"` // preview | execute
	IDs          []string `json:"ids,omitempty"`
	Query        string   `json:"query,omitempty"`
	Type         string   `json:"type,omitempty"`
	Project      string   `json:"project,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Force        bool     `json:"force,omitempty"`
	ConfirmToken string   `json:"confirm_token,omitempty"`
}

// handleBatchForget is a two-step flow: preview resolves the target set
// and returns a token; execute must echo that token and deletes exactly
// the previewed set. The token expires so a stale preview cannot delete
// rows added since.
func (s *Server) handleBatchForget(w http.ResponseWriter, r *http.Request) {
	if !s.gateUpdateDelete(w) {
		return
	}
	var req batchForgetRequest
	if !s.decode(w, r, &req) {
		return
	}

	switch req.Mode {
	case "preview":
		ids, err := s.resolveForgetTargets(r.Context(), &req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		token := uuid.NewString()
		s.confirmMu.Lock()
		s.pruneConfirmsLocked()
		s.confirms[token] = confirmEntry{ids: ids, expires: s.now().Add(confirmTokenTTL)}
		s.confirmMu.Unlock()

		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"mode":          "preview",
			"confirm_token": token,
			"count":         len(ids),
			"ids":           ids,
		})

	case "execute":
		s.confirmMu.Lock()
		entry, ok := s.confirms[req.ConfirmToken]
		if ok {
			delete(s.confirms, req.ConfirmToken)
		}
		s.confirmMu.Unlock()
		if !ok || s.now().After(entry.expires) {
			s.writeError(w, memerr.New(memerr.CodeConflict, "confirm token is unknown or expired, run preview again"))
			return
		}

		results, err := s.store.BatchForget(r.Context(), entry.ids, req.Reason, req.Force, writeContext(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"mode":    "execute",
			"results": results,
		})

	default:
		s.writeError(w, memerr.New(memerr.CodeInvalidPayload, "mode must be preview or execute"))
	}
}

func (s *Server) resolveForgetTargets(ctx context.Context, req *batchForgetRequest) ([]string, error) {
	if len(req.IDs) > 0 {
		return req.IDs, nil
	}
	if req.Query == "" && req.Type == "" && req.Project == "" && len(req.Tags) == 0 {
		return nil, memerr.New(memerr.CodeInvalidPayload, "preview needs ids, a query, or filters")
	}
	results, err := s.engine.Recall(ctx, recall.Query{
		Text:    req.Query,
		Type:    req.Type,
		Project: req.Project,
		Tags:    req.Tags,
		Limit:   s.cfg().Retention.BatchLimit,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(results))
	for _, res := range results {
		ids = append(ids, res.Memory.ID)
	}
	return ids, nil
}

func (s *Server) pruneConfirmsLocked() {
	now := s.now()
	for token, entry := range s.confirms {
		if now.After(entry.expires) {
			delete(s.confirms, token)
		}
	}
}

type batchModifyRequest struct {
	Items []struct {
		ID string `json:"id"`
		modifyRequest
	} `json:"items"`
}

func (s *Server) handleBatchModify(w http.ResponseWriter, r *http.Request) {
	if !s.gateUpdateDelete(w) {
		return
	}
	var req batchModifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		s.writeError(w, memerr.New(memerr.CodeInvalidPayload, "items must not be empty"))
		return
	}

	items := make([]store.BatchModifyItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, store.BatchModifyItem{
			ID: item.ID,
			Patch: store.ModifyPatch{
				Content:    item.Content,
				Type:       item.Type,
				Importance: item.Importance,
				Confidence: item.Confidence,
				Tags:       item.Tags,
				Pinned:     item.Pinned,
				Who:        item.Who,
				Project:    item.Project,
				Reason:     item.Reason,
				IfVersion:  item.IfVersion,
			},
		})
	}

	results, err := s.store.BatchModify(r.Context(), items, writeContext(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.JobByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if job == nil {
		s.writeError(w, memerr.New(memerr.CodeNotFound, "job not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}
