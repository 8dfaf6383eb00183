package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"signet/internal/store"
)

const extractPrompt = `Extract durable knowledge from the text below.
Return ONLY a JSON object, no prose, with this shape:
{
  "facts": [{"content": "...", "type": "fact|preference|decision", "confidence": 0.0, "importance": 0.0}],
  "entities": [{"name": "...", "type": "person|project|tool|concept", "mention": "...", "confidence": 0.0}],
  "relations": [{"source": "...", "target": "...", "type": "...", "strength": 0.0, "confidence": 0.0}]
}
Only include facts worth remembering across sessions. Text:

%s`

type extractionOutput struct {
	Facts []struct {
		Content    string  `json:"content"`
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
		Importance float64 `json:"importance"`
	} `json:"facts"`
	Entities []struct {
		Name       string  `json:"name"`
		Type       string  `json:"type"`
		Mention    string  `json:"mention"`
		Confidence float64 `json:"confidence"`
	} `json:"entities"`
	Relations []struct {
		Source     string  `json:"source"`
		Target     string  `json:"target"`
		Type       string  `json:"type"`
		Strength   float64 `json:"strength"`
		Confidence float64 `json:"confidence"`
	} `json:"relations"`
}

// HandleExtract runs the generator over a memory body and stores the
// structured result: derived fact memories, entity mentions, and
// relations. Output is keyed by the owning memory id, so a replay
// after a crash converges instead of duplicating.
func (w *Workers) HandleExtract(ctx context.Context, job *store.Job) (string, error) {
	cfg := w.cfg()
	if !cfg.Pipeline.Enabled {
		return "skipped: pipeline disabled", nil
	}

	m, err := w.store.Get(ctx, job.MemoryID)
	if err != nil {
		return "skipped: memory gone", nil
	}
	if m.IsDeleted {
		return "skipped: memory deleted", nil
	}

	if err := w.store.SetExtractionStatus(ctx, m.ID, store.ExtractionInProgress); err != nil {
		return "", err
	}

	raw, err := w.generator.Generate(ctx, fmt.Sprintf(extractPrompt, m.Content))
	if err != nil {
		_ = w.store.SetExtractionStatus(ctx, m.ID, store.ExtractionFailed)
		return "", fmt.Errorf("extraction generation failed: %w", err)
	}

	var out extractionOutput
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		_ = w.store.SetExtractionStatus(ctx, m.ID, store.ExtractionFailed)
		return "", fmt.Errorf("extraction output is not valid JSON: %w", err)
	}

	if cfg.Pipeline.ShadowMode || !w.writesAllowed() {
		// Shadow mode runs the model but persists nothing.
		_ = w.store.SetExtractionStatus(ctx, m.ID, store.ExtractionDone)
		return fmt.Sprintf("shadow: %d facts, %d entities, %d relations",
			len(out.Facts), len(out.Entities), len(out.Relations)), nil
	}

	factsWritten := 0
	for _, f := range out.Facts {
		if f.Confidence < cfg.Pipeline.MinFactConfidenceForWrite {
			continue
		}
		ftype := f.Type
		if ftype == "" {
			ftype = "fact"
		}
		conf := f.Confidence
		imp := f.Importance
		res, err := w.store.Remember(ctx, f.Content, store.RememberOptions{
			Type:       ftype,
			Importance: &imp,
			Confidence: &conf,
			SourceType: "extraction",
			SourceID:   m.ID,
			Who:        m.Who,
			Project:    m.Project,
			// Derived rows embed too; a second extraction pass over
			// machine output is not useful.
			EnqueueEmbed: w.embedder != nil,
			Write:        store.WriteContext{Actor: "extract-worker", ActorType: store.ActorWorker},
		})
		if err != nil {
			return "", err
		}
		if !res.Deduped {
			factsWritten++
		}
	}

	if cfg.Pipeline.GraphEnabled && (len(out.Entities) > 0 || len(out.Relations) > 0) {
		entities := make([]store.ExtractedEntity, 0, len(out.Entities))
		for _, e := range out.Entities {
			entities = append(entities, store.ExtractedEntity{
				Name: e.Name, Type: e.Type, MentionText: e.Mention, Confidence: e.Confidence,
			})
		}
		relations := make([]store.ExtractedRelation, 0, len(out.Relations))
		for _, rel := range out.Relations {
			relations = append(relations, store.ExtractedRelation{
				Source: rel.Source, Target: rel.Target, Type: rel.Type,
				Strength: rel.Strength, Confidence: rel.Confidence,
			})
		}
		if err := w.store.StoreExtraction(ctx, m.ID, entities, relations); err != nil {
			return "", err
		}
	} else {
		if err := w.store.SetExtractionStatus(ctx, m.ID, store.ExtractionDone); err != nil {
			return "", err
		}
	}

	// The decide pass reconciles the new facts against what is already
	// stored.
	if cfg.Pipeline.SemanticContradictionEnabled && factsWritten > 0 {
		if err := w.store.EnqueueJob(ctx, &store.Job{MemoryID: m.ID, Type: store.JobDecide}); err != nil {
			return "", err
		}
	}

	return fmt.Sprintf("%d facts written, %d entities, %d relations",
		factsWritten, len(out.Entities), len(out.Relations)), nil
}

// stripFences removes a markdown code fence wrapper if the model added
// one around its JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
