package session

import (
	"context"
	"strings"
	"testing"

	"signet/internal/config"
	"signet/internal/memerr"
	"signet/internal/recall"
	"signet/internal/store"
)

func newTestManager(t *testing.T, canSummarize bool) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.Search.MinScore = 0
	cfgFn := func() *config.Config { return cfg }

	engine := recall.New(st, nil, cfg.Search, nil)
	return New(st, engine, cfgFn, nil, canSummarize), st
}

func seedMemory(t *testing.T, st *store.Store, content, project string) {
	t.Helper()
	_, err := st.Remember(context.Background(), content, store.RememberOptions{
		Project: project,
	})
	if err != nil {
		t.Fatalf("remember failed: %v", err)
	}
}

func TestStartClaimsSessionAndInjects(t *testing.T) {
	m, st := newTestManager(t, false)
	ctx := context.Background()

	seedMemory(t, st, "the api binds to loopback only", "signet")
	seedMemory(t, st, "unrelated project note", "other")

	resp, err := m.Start(ctx, &HookRequest{
		Harness: "cli", SessionKey: "sess-1", RuntimePath: "plugin", Project: "signet",
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if resp.State != store.SessionClaimed {
		t.Errorf("state = %q, want claimed", resp.State)
	}
	if !strings.Contains(resp.Inject, "loopback") {
		t.Errorf("injection missing project memory: %q", resp.Inject)
	}
	if strings.Contains(resp.Inject, "unrelated") {
		t.Errorf("injection leaked another project's memory: %q", resp.Inject)
	}

	sess, err := st.SessionByKey(ctx, "sess-1")
	if err != nil || sess == nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if sess.RuntimePath != "plugin" || sess.Harness != "cli" {
		t.Errorf("session = %+v", sess)
	}
}

func TestStartIsIdempotentPerRuntimePath(t *testing.T) {
	m, _ := newTestManager(t, false)
	ctx := context.Background()
	req := &HookRequest{SessionKey: "sess-1", RuntimePath: "plugin"}

	if _, err := m.Start(ctx, req); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if _, err := m.Start(ctx, req); err != nil {
		t.Fatalf("replayed start failed: %v", err)
	}

	_, err := m.Start(ctx, &HookRequest{SessionKey: "sess-1", RuntimePath: "legacy"})
	if err == nil {
		t.Fatal("cross-runtime claim did not fail")
	}
	if memerr.CodeOf(err) != memerr.CodeConflict {
		t.Errorf("error code = %q, want conflict", memerr.CodeOf(err))
	}
}

func TestUserPromptAutoClaimsLegacy(t *testing.T) {
	m, st := newTestManager(t, false)
	ctx := context.Background()

	seedMemory(t, st, "favorite shell is fish", "")

	resp, err := m.UserPrompt(ctx, &HookRequest{
		SessionKey: "sess-2", Prompt: "favorite shell",
	})
	if err != nil {
		t.Fatalf("user prompt failed: %v", err)
	}
	if !strings.Contains(resp.Inject, "fish") {
		t.Errorf("injection = %q", resp.Inject)
	}

	sess, _ := st.SessionByKey(ctx, "sess-2")
	if sess == nil || sess.RuntimePath != RuntimeLegacy {
		t.Errorf("auto-claim session = %+v, want legacy runtime path", sess)
	}
}

func TestUserPromptRejectsCrossRuntime(t *testing.T) {
	m, _ := newTestManager(t, false)
	ctx := context.Background()

	if _, err := m.Start(ctx, &HookRequest{SessionKey: "sess-3", RuntimePath: "plugin"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	_, err := m.UserPrompt(ctx, &HookRequest{SessionKey: "sess-3", RuntimePath: "legacy", Prompt: "hi"})
	if err == nil {
		t.Fatal("cross-runtime prompt did not fail")
	}
	if memerr.CodeOf(err) != memerr.CodeConflict {
		t.Errorf("error code = %q, want conflict", memerr.CodeOf(err))
	}

	// The claiming runtime path keeps working.
	if _, err := m.UserPrompt(ctx, &HookRequest{SessionKey: "sess-3", RuntimePath: "plugin", Prompt: "hi"}); err != nil {
		t.Errorf("same-runtime prompt failed: %v", err)
	}
}

func TestEndEnqueuesSummaryJob(t *testing.T) {
	m, st := newTestManager(t, true)
	ctx := context.Background()

	if _, err := m.Start(ctx, &HookRequest{SessionKey: "sess-4", RuntimePath: "plugin"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	resp, err := m.End(ctx, &HookRequest{
		SessionKey: "sess-4", Transcript: "user: hello\nassistant: hi",
	})
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if resp.State != store.SessionEnded {
		t.Errorf("state = %q, want ended", resp.State)
	}
	if resp.JobID == "" {
		t.Fatal("no summary job queued")
	}

	job, err := st.JobByID(ctx, resp.JobID)
	if err != nil || job == nil {
		t.Fatalf("job lookup failed: %v", err)
	}
	if job.Type != store.JobSummary {
		t.Errorf("job type = %q", job.Type)
	}
	if !strings.Contains(job.Payload, "sess-4") {
		t.Errorf("payload missing session key: %q", job.Payload)
	}

	sess, _ := st.SessionByKey(ctx, "sess-4")
	if sess.State != store.SessionEnded {
		t.Errorf("session state = %q", sess.State)
	}

	// Ending again is a no-op and queues nothing without a transcript.
	resp, err = m.End(ctx, &HookRequest{SessionKey: "sess-4"})
	if err != nil {
		t.Fatalf("second end failed: %v", err)
	}
	if resp.JobID != "" {
		t.Errorf("second end queued job %s", resp.JobID)
	}
}

func TestEndWithoutGeneratorDropsTranscript(t *testing.T) {
	m, st := newTestManager(t, false)
	ctx := context.Background()

	resp, err := m.End(ctx, &HookRequest{SessionKey: "sess-5", Transcript: "user: hello"})
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if resp.JobID != "" {
		t.Error("summary queued with no generator configured")
	}
	counts, _ := st.JobCounts(ctx)
	if counts[store.JobPending] != 0 {
		t.Errorf("pending jobs = %d", counts[store.JobPending])
	}
}

func TestPreCompactionKeepsClaim(t *testing.T) {
	m, st := newTestManager(t, true)
	ctx := context.Background()

	if _, err := m.Start(ctx, &HookRequest{SessionKey: "sess-6", RuntimePath: "plugin"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	resp, err := m.PreCompaction(ctx, &HookRequest{SessionKey: "sess-6", Transcript: "long transcript"})
	if err != nil {
		t.Fatalf("pre-compaction failed: %v", err)
	}
	if resp.JobID == "" {
		t.Error("no summary queued before compaction")
	}
	if resp.State != store.SessionClaimed {
		t.Errorf("state = %q, want claimed", resp.State)
	}
	sess, _ := st.SessionByKey(ctx, "sess-6")
	if sess.State != store.SessionClaimed {
		t.Errorf("compaction ended the session: %q", sess.State)
	}
}

func TestCompactionCompleteReinjects(t *testing.T) {
	m, st := newTestManager(t, false)
	ctx := context.Background()

	seedMemory(t, st, "the retention sweep runs every four hours", "signet")
	if _, err := m.Start(ctx, &HookRequest{SessionKey: "sess-7", RuntimePath: "plugin", Project: "signet"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	resp, err := m.CompactionComplete(ctx, &HookRequest{SessionKey: "sess-7", Project: "signet"})
	if err != nil {
		t.Fatalf("compaction-complete failed: %v", err)
	}
	if !strings.Contains(resp.Inject, "retention sweep") {
		t.Errorf("re-seed injection = %q", resp.Inject)
	}
}

func TestClaimRequiresSessionKey(t *testing.T) {
	m, _ := newTestManager(t, false)
	_, err := m.Start(context.Background(), &HookRequest{RuntimePath: "plugin"})
	if err == nil {
		t.Fatal("claim without session key did not fail")
	}
	if memerr.CodeOf(err) != memerr.CodeInvalidPayload {
		t.Errorf("error code = %q", memerr.CodeOf(err))
	}
}
