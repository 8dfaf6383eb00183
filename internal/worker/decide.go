package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"signet/internal/store"
)

const decidePrompt = `A new memory was stored. Compare it against the existing
memories below and decide, per existing memory, whether the new one
contradicts or supersedes it.
Return ONLY a JSON object:
{"decisions": [{"target_id": "...", "action": "keep|update|delete", "content": "replacement text when action is update", "reason": "..."}]}

New memory:
%s

Existing memories:
%s`

type decideOutput struct {
	Decisions []struct {
		TargetID string `json:"target_id"`
		Action   string `json:"action"`
		Content  string `json:"content"`
		Reason   string `json:"reason"`
	} `json:"decisions"`
}

// HandleDecide reconciles a freshly extracted memory against its
// nearest stored neighbours. Update and delete actions are gated by
// the allow_update_delete flag; everything the model decides is
// attributed to the worker in history.
func (w *Workers) HandleDecide(ctx context.Context, job *store.Job) (string, error) {
	cfg := w.cfg()
	if !cfg.Pipeline.Enabled || !cfg.Pipeline.SemanticContradictionEnabled {
		return "skipped: contradiction pass disabled", nil
	}

	m, err := w.store.Get(ctx, job.MemoryID)
	if err != nil {
		return "skipped: memory gone", nil
	}
	if m.IsDeleted {
		return "skipped: memory deleted", nil
	}

	// Candidates come from the keyword index with any-token matching: a
	// contradicting memory differs from the new one in exactly the words
	// a strict match would require.
	hits, err := w.store.KeywordSearchAny(ctx, m.Content, 8)
	if err != nil {
		return "", err
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.MemoryID != m.ID {
			ids = append(ids, h.MemoryID)
		}
	}
	if len(ids) == 0 {
		return "no neighbours", nil
	}
	neighbours, err := w.store.GetMany(ctx, ids)
	if err != nil {
		return "", err
	}

	var listing strings.Builder
	for _, id := range ids {
		n, ok := neighbours[id]
		if !ok || n.IsDeleted {
			continue
		}
		fmt.Fprintf(&listing, "- id=%s: %s\n", n.ID, n.Content)
	}
	if listing.Len() == 0 {
		return "no neighbours", nil
	}

	raw, err := w.generator.Generate(ctx, fmt.Sprintf(decidePrompt, m.Content, listing.String()))
	if err != nil {
		return "", fmt.Errorf("decide generation failed: %w", err)
	}
	var out decideOutput
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return "", fmt.Errorf("decide output is not valid JSON: %w", err)
	}

	if cfg.Pipeline.ShadowMode || !w.writesAllowed() {
		return fmt.Sprintf("shadow: %d decisions", len(out.Decisions)), nil
	}

	wc := store.WriteContext{Actor: "decide-worker", ActorType: store.ActorWorker}
	applied := 0
	for _, d := range out.Decisions {
		if _, ok := neighbours[d.TargetID]; !ok {
			// The model may only act on the candidates it was shown.
			continue
		}
		switch d.Action {
		case "update":
			if !cfg.Pipeline.AllowUpdateDelete || strings.TrimSpace(d.Content) == "" {
				continue
			}
			content := d.Content
			res, err := w.store.Modify(ctx, d.TargetID, store.ModifyPatch{
				Content: &content,
				Reason:  "superseded: " + d.Reason,
			}, wc)
			if err != nil {
				return "", err
			}
			if res.Status == store.StatusUpdated {
				applied++
			}
		case "delete":
			if !cfg.Pipeline.AllowUpdateDelete {
				continue
			}
			res, err := w.store.Forget(ctx, d.TargetID, "contradicted: "+d.Reason, false, nil, wc)
			if err != nil {
				return "", err
			}
			if res.Status == store.StatusDeleted {
				applied++
			}
		}
	}
	return fmt.Sprintf("%d of %d decisions applied", applied, len(out.Decisions)), nil
}
