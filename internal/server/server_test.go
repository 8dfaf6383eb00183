package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"signet/internal/config"
	"signet/internal/recall"
	"signet/internal/session"
	"signet/internal/store"
)

func newTestServer(t *testing.T, mut func(*config.Config)) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.Search.MinScore = 0
	if mut != nil {
		mut(cfg)
	}
	cfgFn := func() *config.Config { return cfg }

	engine := recall.New(st, nil, cfg.Search, nil)
	sessions := session.New(st, engine, cfgFn, nil, false)

	srv := New(Deps{
		Store:    st,
		Engine:   engine,
		Sessions: sessions,
		Config:   cfgFn,
		Version:  "test",
	})
	return srv, st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "test", body["version"])
}

func TestRememberGetAndDedupe(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/memory/remember", map[string]interface{}{
		"content": "I prefer Vim", "type": "preference",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var first rememberResponse
	decodeBody(t, rec, &first)
	require.NotEmpty(t, first.ID)
	require.EqualValues(t, 1, first.Version)
	require.False(t, first.Deduped)

	rec = doJSON(t, router, http.MethodPost, "/api/memory/remember", map[string]interface{}{
		"content": "I prefer Vim", "type": "preference",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var second rememberResponse
	decodeBody(t, rec, &second)
	require.Equal(t, first.ID, second.ID)
	require.True(t, second.Deduped)

	rec = doJSON(t, router, http.MethodGet, "/api/memory/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var m store.Memory
	decodeBody(t, rec, &m)
	require.Equal(t, "I prefer Vim", m.Content)
	require.Equal(t, "preference", m.Type)

	rec = doJSON(t, router, http.MethodGet, "/api/memory/"+first.ID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Count  int                  `json:"count"`
		Events []*store.HistoryEvent `json:"events"`
	}
	decodeBody(t, rec, &hist)
	require.Equal(t, 1, hist.Count)
	require.Equal(t, store.EventCreated, hist.Events[0].Kind)
}

func TestRememberRejectedWhenDisabled(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.Config) { c.Pipeline.Enabled = false })
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/memory/remember", map[string]interface{}{
		"content": "anything",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body errorBody
	decodeBody(t, rec, &body)
	require.Equal(t, "disabled", body.Error.Code)
}

func TestRememberRejectedWhenFrozen(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.Config) { c.Pipeline.MutationsFrozen = true })
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/memory/remember", map[string]interface{}{
		"content": "anything",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body errorBody
	decodeBody(t, rec, &body)
	require.Equal(t, "frozen", body.Error.Code)
}

func TestModifyOptimisticLock(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	var created rememberResponse
	decodeBody(t, doJSON(t, router, http.MethodPost, "/api/memory/remember",
		map[string]interface{}{"content": "theme is light"}), &created)

	rec := doJSON(t, router, http.MethodPatch, "/api/memory/"+created.ID, map[string]interface{}{
		"content": "theme is dark", "reason": "changed", "if_version": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var res store.MutationResult
	decodeBody(t, rec, &res)
	require.Equal(t, store.StatusUpdated, res.Status)
	require.EqualValues(t, 2, res.NewVersion)

	// A second patch against the stale version loses.
	rec = doJSON(t, router, http.MethodPatch, "/api/memory/"+created.ID, map[string]interface{}{
		"content": "theme is solarized", "reason": "changed", "if_version": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &res)
	require.Equal(t, store.StatusVersionConflict, res.Status)
	require.EqualValues(t, 2, res.CurrentVersion)
}

func TestForgetPinnedAndRecover(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	var created rememberResponse
	decodeBody(t, doJSON(t, router, http.MethodPost, "/api/memory/remember",
		map[string]interface{}{"content": "keep me around", "pinned": true}), &created)

	rec := doJSON(t, router, http.MethodDelete, "/api/memory/"+created.ID+"?reason=cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res store.MutationResult
	decodeBody(t, rec, &res)
	require.Equal(t, store.StatusPinnedRequiresForce, res.Status)

	rec = doJSON(t, router, http.MethodDelete, "/api/memory/"+created.ID+"?reason=cleanup&force=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &res)
	require.Equal(t, store.StatusDeleted, res.Status)

	rec = doJSON(t, router, http.MethodPost, "/api/memory/"+created.ID+"/recover",
		map[string]interface{}{"reason": "mistake"})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &res)
	require.Equal(t, store.StatusRecovered, res.Status)
	require.EqualValues(t, 3, res.NewVersion)
}

func TestModifyForbiddenWhenUpdatesDisabled(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.Config) { c.Pipeline.AllowUpdateDelete = false })
	rec := doJSON(t, srv.Router(), http.MethodPatch, "/api/memory/some-id", map[string]interface{}{
		"content": "x", "reason": "r",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body errorBody
	decodeBody(t, rec, &body)
	require.Equal(t, "forbidden", body.Error.Code)
}

func TestRecallOrdersMatchesFirst(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	contents := []string{
		"dark mode is enabled in the editor",
		"the terminal uses dark mode too",
		"dark mode after sunset",
		"lunch is at noon",
		"the build takes four minutes",
	}
	for _, c := range contents {
		rec := doJSON(t, router, http.MethodPost, "/api/memory/remember", map[string]interface{}{"content": c})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/memory/recall", map[string]interface{}{
		"query": "dark mode", "limit": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp recallResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Results, 3)
	require.Equal(t, 3, resp.Stats.Total)
	for _, r := range resp.Results {
		require.Contains(t, r.Content, "dark mode")
		require.Equal(t, recall.SourceKeyword, r.Source)
	}
	for i := 1; i < len(resp.Results); i++ {
		require.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
}

func TestBatchForgetPreviewThenExecute(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	var ids []string
	for i := 0; i < 3; i++ {
		var created rememberResponse
		decodeBody(t, doJSON(t, router, http.MethodPost, "/api/memory/remember",
			map[string]interface{}{"content": fmt.Sprintf("scratch note %d", i), "type": "daily-log"}), &created)
		ids = append(ids, created.ID)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/memory/forget", map[string]interface{}{
		"mode": "preview", "ids": ids,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var preview struct {
		ConfirmToken string   `json:"confirm_token"`
		Count        int      `json:"count"`
		IDs          []string `json:"ids"`
	}
	decodeBody(t, rec, &preview)
	require.Equal(t, 3, preview.Count)
	require.NotEmpty(t, preview.ConfirmToken)

	// A bad token is rejected without deleting anything.
	rec = doJSON(t, router, http.MethodPost, "/api/memory/forget", map[string]interface{}{
		"mode": "execute", "confirm_token": "bogus", "reason": "cleanup",
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/memory/forget", map[string]interface{}{
		"mode": "execute", "confirm_token": preview.ConfirmToken, "reason": "cleanup",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var executed struct {
		Results []*store.MutationResult `json:"results"`
	}
	decodeBody(t, rec, &executed)
	require.Len(t, executed.Results, 3)
	for _, res := range executed.Results {
		require.Equal(t, store.StatusDeleted, res.Status)
	}

	// Tokens are single use.
	rec = doJSON(t, router, http.MethodPost, "/api/memory/forget", map[string]interface{}{
		"mode": "execute", "confirm_token": preview.ConfirmToken, "reason": "cleanup",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestBatchModifyPartialSuccess(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	var created rememberResponse
	decodeBody(t, doJSON(t, router, http.MethodPost, "/api/memory/remember",
		map[string]interface{}{"content": "editor is vim"}), &created)

	rec := doJSON(t, router, http.MethodPost, "/api/memory/modify", map[string]interface{}{
		"items": []map[string]interface{}{
			{"id": created.ID, "content": "editor is neovim", "reason": "upgrade"},
			{"id": "missing-id", "content": "x", "reason": "r"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Results []*store.MutationResult `json:"results"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Results, 2)
	require.Equal(t, store.StatusUpdated, body.Results[0].Status)
	require.Equal(t, store.StatusNotFound, body.Results[1].Status)
}

func TestHookLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	decodeBody(t, doJSON(t, router, http.MethodPost, "/api/memory/remember",
		map[string]interface{}{"content": "deploys go through staging first", "project": "infra"}),
		new(rememberResponse))

	rec := doJSON(t, router, http.MethodPost, "/api/hooks/session-start", map[string]interface{}{
		"harness": "cli", "sessionKey": "s1", "runtimePath": "plugin", "project": "infra",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp session.HookResponse
	decodeBody(t, rec, &resp)
	require.Equal(t, store.SessionClaimed, resp.State)
	require.Contains(t, resp.Inject, "staging")

	rec = doJSON(t, router, http.MethodPost, "/api/hooks/user-prompt-submit", map[string]interface{}{
		"sessionKey": "s1", "runtimePath": "plugin", "prompt": "staging deploys",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	require.Contains(t, resp.Inject, "staging")

	// A second runtime path cannot hijack the session.
	rec = doJSON(t, router, http.MethodPost, "/api/hooks/user-prompt-submit", map[string]interface{}{
		"sessionKey": "s1", "runtimePath": "legacy", "prompt": "anything",
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/hooks/session-end", map[string]interface{}{
		"sessionKey": "s1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	require.Equal(t, store.SessionEnded, resp.State)
}

func TestHookRecallReturnsInjection(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	decodeBody(t, doJSON(t, router, http.MethodPost, "/api/memory/remember",
		map[string]interface{}{"content": "the database file lives under the memory directory"}),
		new(rememberResponse))

	rec := doJSON(t, router, http.MethodPost, "/api/hooks/recall", map[string]interface{}{
		"query": "database file",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Inject  string         `json:"inject"`
		Results []recallResult `json:"results"`
	}
	decodeBody(t, rec, &body)
	require.Contains(t, body.Inject, "database file")
	require.Len(t, body.Results, 1)
}

func TestUnknownMemoryAndJob(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/api/memory/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/memory/jobs/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusReportsPipelineAndStats(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	decodeBody(t, doJSON(t, router, http.MethodPost, "/api/memory/remember",
		map[string]interface{}{"content": "one memory"}), new(rememberResponse))

	rec := doJSON(t, router, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Engine string           `json:"engine"`
		Stats  map[string]int64 `json:"stats"`
	}
	decodeBody(t, rec, &body)
	require.Equal(t, "keyword", body.Engine)
	require.EqualValues(t, 1, body.Stats["memories_live"])
}

func TestIngestDocumentEnqueuesJob(t *testing.T) {
	srv, st := newTestServer(t, nil)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPost, "/api/memory/ingest-document", map[string]interface{}{
		"path": "relative/notes.md",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/memory/ingest-document", map[string]interface{}{
		"path":    "/srv/docs/notes.md",
		"project": "signet",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]interface{}
	decodeBody(t, rec, &out)
	jobID, _ := out["jobID"].(string)
	require.NotEmpty(t, jobID)

	job, err := st.JobByID(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, store.JobDocument, job.Type)
	require.Contains(t, job.Payload, "/srv/docs/notes.md")
}

type stubEmbedder struct{ calls int }

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	return []float32{0, 0, 1}, nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0, 0, 1}
	}
	return out, nil
}

func (e *stubEmbedder) Dimensions() int { return 3 }
func (e *stubEmbedder) Name() string    { return "stub:test" }

func TestRememberShadowModeEnqueuesNoDerivedJobs(t *testing.T) {
	st, err := store.Open(store.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.Pipeline.ShadowMode = true
	cfgFn := func() *config.Config { return cfg }
	engine := recall.New(st, nil, cfg.Search, nil)
	emb := &stubEmbedder{}
	srv := New(Deps{
		Store:      st,
		Engine:     engine,
		Sessions:   session.New(st, engine, cfgFn, nil, false),
		Embedder:   emb,
		CanExtract: true,
		Config:     cfgFn,
		Version:    "test",
	})
	router := srv.Router()

	// Even an explicit sync request must not embed in shadow mode.
	rec := doJSON(t, router, http.MethodPost, "/api/memory/remember", map[string]interface{}{
		"content": "observed but not processed", "mode": "sync",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body rememberResponse
	decodeBody(t, rec, &body)
	require.False(t, body.Embedded)
	require.Zero(t, emb.calls)

	rec = doJSON(t, router, http.MethodPost, "/api/hooks/remember", map[string]interface{}{
		"content": "hook write under shadow", "harness": "test",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	counts, err := st.JobCounts(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts["pending"])
}
