// Package session implements the hook surface: the per-session claim
// state machine and the injection strings returned to harnesses at
// session start, prompt submission, and around context compaction.
//
// A session key moves absent -> claimed(runtime_path) -> ended. The
// claim is exclusive across runtime paths so that a plugin and a legacy
// shell hook wired up at the same time cannot both inject memories into
// one conversation.
package session

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"signet/internal/config"
	"signet/internal/memerr"
	"signet/internal/recall"
	"signet/internal/store"
	"signet/internal/worker"
)

// RuntimeLegacy is the runtime path stamped on auto-claims from hooks
// that fire without a prior session-start.
const RuntimeLegacy = "legacy"

// HookRequest is the common body of every lifecycle hook.
type HookRequest struct {
	Harness     string `json:"harness"`
	SessionKey  string `json:"sessionKey"`
	RuntimePath string `json:"runtimePath"`
	Project     string `json:"project,omitempty"`
	Who         string `json:"who,omitempty"`

	// Prompt is set on user-prompt-submit.
	Prompt string `json:"prompt,omitempty"`

	// Transcript is set on session-end and pre-compaction.
	Transcript string `json:"transcript,omitempty"`
}

// HookResponse is returned by every lifecycle hook. Inject is empty
// when the hook produces nothing worth adding to the context window.
type HookResponse struct {
	SessionKey string `json:"sessionKey"`
	State      string `json:"state"`
	Inject     string `json:"inject,omitempty"`
	JobID      string `json:"jobId,omitempty"`
}

// Manager drives the session state machine and assembles injections.
type Manager struct {
	store        *store.Store
	engine       *recall.Engine
	cfg          func() *config.Config
	logger       *zap.Logger
	canSummarize bool
}

// New creates a manager. canSummarize reports whether a generator is
// configured; without one, transcripts are dropped instead of queueing
// summary jobs nothing will ever lease.
func New(st *store.Store, engine *recall.Engine, cfg func() *config.Config, logger *zap.Logger, canSummarize bool) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:        st,
		engine:       engine,
		cfg:          cfg,
		logger:       logger.Named("session"),
		canSummarize: canSummarize,
	}
}

// Start claims the session and returns an opening injection built from
// the recent memories of the project.
func (m *Manager) Start(ctx context.Context, req *HookRequest) (*HookResponse, error) {
	sess, err := m.claim(ctx, req, req.RuntimePath)
	if err != nil {
		return nil, err
	}

	inject := m.assembleInjection(ctx, "", req.Project)
	return &HookResponse{SessionKey: sess.SessionKey, State: sess.State, Inject: inject}, nil
}

// UserPrompt returns the injection for one prompt. A prompt arriving
// without a prior claim auto-claims under the legacy runtime path, so
// shell-hook installs that never call session-start still work.
func (m *Manager) UserPrompt(ctx context.Context, req *HookRequest) (*HookResponse, error) {
	sess, err := m.store.SessionByKey(ctx, req.SessionKey)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess, err = m.claim(ctx, req, RuntimeLegacy)
		if err != nil {
			return nil, err
		}
	} else if req.RuntimePath != "" && sess.RuntimePath != req.RuntimePath {
		return nil, memerr.New(memerr.CodeConflict,
			"session %s is claimed by runtime path %q", req.SessionKey, sess.RuntimePath)
	}

	inject := m.assembleInjection(ctx, req.Prompt, req.Project)
	return &HookResponse{SessionKey: sess.SessionKey, State: sess.State, Inject: inject}, nil
}

// End marks the session ended and queues a summary job for its
// transcript. Ending an unknown or already-ended session is a no-op.
func (m *Manager) End(ctx context.Context, req *HookRequest) (*HookResponse, error) {
	if err := m.store.EndSession(ctx, req.SessionKey); err != nil {
		return nil, err
	}
	jobID, err := m.enqueueSummary(ctx, req)
	if err != nil {
		return nil, err
	}
	return &HookResponse{SessionKey: req.SessionKey, State: store.SessionEnded, JobID: jobID}, nil
}

// PreCompaction captures the transcript about to be compacted away.
// The session stays claimed; only the summary job is queued.
func (m *Manager) PreCompaction(ctx context.Context, req *HookRequest) (*HookResponse, error) {
	state := store.SessionClaimed
	if sess, err := m.store.SessionByKey(ctx, req.SessionKey); err == nil && sess != nil {
		state = sess.State
	}
	jobID, err := m.enqueueSummary(ctx, req)
	if err != nil {
		return nil, err
	}
	return &HookResponse{SessionKey: req.SessionKey, State: state, JobID: jobID}, nil
}

// CompactionComplete re-seeds a freshly compacted context with the
// project's recent memories, the same injection session-start builds.
func (m *Manager) CompactionComplete(ctx context.Context, req *HookRequest) (*HookResponse, error) {
	state := store.SessionClaimed
	if sess, err := m.store.SessionByKey(ctx, req.SessionKey); err == nil && sess != nil {
		state = sess.State
	}
	inject := m.assembleInjection(ctx, "", req.Project)
	return &HookResponse{SessionKey: req.SessionKey, State: state, Inject: inject}, nil
}

func (m *Manager) claim(ctx context.Context, req *HookRequest, runtimePath string) (*store.Session, error) {
	if req.SessionKey == "" {
		return nil, memerr.New(memerr.CodeInvalidPayload, "session_key is required")
	}
	if runtimePath == "" {
		runtimePath = RuntimeLegacy
	}
	sess, err := m.store.ClaimSession(ctx, &store.Session{
		SessionKey:  req.SessionKey,
		RuntimePath: runtimePath,
		Harness:     req.Harness,
		Project:     req.Project,
	})
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeConflict, err, "session claim rejected")
	}
	return sess, nil
}

// assembleInjection runs recall and formats the result block. Failures
// degrade to an empty injection; a hook must never fail the prompt it
// decorates.
func (m *Manager) assembleInjection(ctx context.Context, prompt, project string) string {
	cfg := m.cfg()
	rctx, cancel := context.WithTimeout(ctx, cfg.Workers.RecallTimeout.Std())
	defer cancel()

	results, err := m.engine.Recall(rctx, recall.Query{
		Text:    prompt,
		Project: project,
		Limit:   cfg.Search.TopK,
	})
	if err != nil {
		m.logger.Warn("injection recall failed", zap.Error(err))
		return ""
	}
	return recall.FormatInjection(results, m.engine.Name(), prompt)
}

func (m *Manager) enqueueSummary(ctx context.Context, req *HookRequest) (string, error) {
	if req.Transcript == "" || !m.canSummarize {
		return "", nil
	}
	payload, err := json.Marshal(worker.SummaryPayload{
		SessionKey: req.SessionKey,
		Transcript: req.Transcript,
		Project:    req.Project,
		Who:        req.Who,
	})
	if err != nil {
		return "", err
	}
	job := &store.Job{Type: store.JobSummary, Payload: string(payload)}
	if err := m.store.EnqueueJob(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}
