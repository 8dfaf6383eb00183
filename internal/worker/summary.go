package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"signet/internal/store"
)

const summaryPrompt = `Summarise the session transcript below into a short
paragraph of durable observations: decisions taken, preferences stated,
facts established. Omit small talk and transient details. Return only
the paragraph.

Transcript:
%s`

// SummaryPayload is the queued input for a summary job, captured at
// session end.
type SummaryPayload struct {
	SessionKey   string `json:"session_key"`
	Transcript   string `json:"transcript"`
	Project      string `json:"project,omitempty"`
	Who          string `json:"who,omitempty"`
	IdentityPath string `json:"identity_path,omitempty"`
}

// HandleSummary turns a session transcript into one summary-typed
// memory. The idempotency key is derived from the session key, so a
// redelivered job replays instead of writing twice.
func (w *Workers) HandleSummary(ctx context.Context, job *store.Job) (string, error) {
	cfg := w.cfg()
	if !cfg.Pipeline.Enabled {
		return "skipped: pipeline disabled", nil
	}

	var p SummaryPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return "", fmt.Errorf("summary payload is not valid JSON: %w", err)
	}
	if strings.TrimSpace(p.Transcript) == "" {
		return "skipped: empty transcript", nil
	}

	text, err := w.generator.Generate(ctx, fmt.Sprintf(summaryPrompt, p.Transcript))
	if err != nil {
		return "", fmt.Errorf("summary generation failed: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "skipped: empty summary", nil
	}

	if cfg.Pipeline.ShadowMode || !w.writesAllowed() {
		return "shadow: summary generated", nil
	}

	res, err := w.store.Remember(ctx, text, store.RememberOptions{
		Type:           "summary",
		Who:            p.Who,
		Project:        p.Project,
		SourceType:     "session",
		SourceID:       p.SessionKey,
		IdempotencyKey: "summary:" + p.SessionKey,
		EnqueueEmbed:   w.embedder != nil,
		Write: store.WriteContext{
			Actor:      "summary-worker",
			ActorType:  store.ActorWorker,
			SessionKey: p.SessionKey,
		},
	})
	if err != nil {
		return "", err
	}

	if p.IdentityPath != "" && !res.Deduped {
		if err := appendIdentityNote(p.IdentityPath, text); err != nil {
			// The memory is stored; the identity file is best-effort.
			return fmt.Sprintf("summary %s stored, identity append failed: %v", res.ID, err), nil
		}
	}
	return "summary " + res.ID, nil
}

func appendIdentityNote(path, text string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "\n## Session summary\n\n%s\n", text)
	return err
}
