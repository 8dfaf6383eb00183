package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"signet/internal/store"
)

// DocumentPayload is the queued input for a document ingestion job.
type DocumentPayload struct {
	Path    string `json:"path"`
	Project string `json:"project,omitempty"`
	Who     string `json:"who,omitempty"`
}

// HandleDocument ingests a markdown file: chunk it along its heading
// structure and store one memory per chunk, keyed by document path and
// chunk position so re-ingesting an unchanged file is a no-op and a
// changed file converges through the dedupe path.
func (w *Workers) HandleDocument(ctx context.Context, job *store.Job) (string, error) {
	cfg := w.cfg()
	if !cfg.Pipeline.Enabled {
		return "skipped: pipeline disabled", nil
	}

	var p DocumentPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return "", fmt.Errorf("document payload is not valid JSON: %w", err)
	}
	if p.Path == "" {
		return "", fmt.Errorf("document payload has no path")
	}

	data, err := os.ReadFile(p.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read document: %w", err)
	}
	sum := sha256.Sum256(data)
	fileHash := hex.EncodeToString(sum[:])

	doc, changed, err := w.store.UpsertDocument(ctx, p.Path, fileHash)
	if err != nil {
		return "", err
	}
	if !changed && doc.Status == "done" {
		return "skipped: file unchanged", nil
	}

	chunks := ChunkMarkdown(string(data))
	if len(chunks) == 0 {
		if err := w.store.FinishDocument(ctx, doc.ID, "done", nil); err != nil {
			return "", err
		}
		return "skipped: empty document", nil
	}

	if cfg.Pipeline.ShadowMode || !w.writesAllowed() {
		return fmt.Sprintf("shadow: %d chunks", len(chunks)), nil
	}

	wc := store.WriteContext{
		Actor:     "document-worker:" + filepath.Base(p.Path),
		ActorType: store.ActorWorker,
	}
	memoryIDs := make([]string, 0, len(chunks))
	for i, c := range chunks {
		body := c.Body()
		res, err := w.store.Remember(ctx, body, store.RememberOptions{
			Type:          "document",
			Who:           p.Who,
			Project:       p.Project,
			SourceType:    "document",
			SourcePath:    p.Path,
			SourceSection: c.Header,
			// Path plus position identifies a chunk across edits, so a
			// re-ingest converges on the same rows.
			IdempotencyKey: fmt.Sprintf("doc:%s:%d", p.Path, i),
			EnqueueEmbed:   w.embedder != nil,
			Write:          wc,
		})
		if err != nil {
			if ferr := w.store.FinishDocument(ctx, doc.ID, "failed", memoryIDs); ferr != nil {
				w.logger.Warn("failed to mark document failed")
			}
			return "", fmt.Errorf("chunk %d store failed: %w", i, err)
		}
		if res.Deduped {
			// The idempotency hit returns the row from the previous
			// ingest; an edited chunk goes through modify so the change
			// lands in history like any other update.
			if err := w.refreshChunk(ctx, res.ID, body, wc); err != nil {
				return "", fmt.Errorf("chunk %d refresh failed: %w", i, err)
			}
		}
		memoryIDs = append(memoryIDs, res.ID)
	}

	if err := w.store.FinishDocument(ctx, doc.ID, "done", memoryIDs); err != nil {
		return "", err
	}
	return fmt.Sprintf("ingested %d chunks from %s", len(memoryIDs), filepath.Base(p.Path)), nil
}

// refreshChunk updates a previously ingested chunk when its text
// changed. An unchanged chunk comes back as no_changes and is left
// alone; a chunk whose new text collides with another live memory is
// left on its old text.
func (w *Workers) refreshChunk(ctx context.Context, id, body string, wc store.WriteContext) error {
	m, err := w.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.IsDeleted || m.Content == store.NormalizeContent(body) {
		return nil
	}
	res, err := w.store.Modify(ctx, id, store.ModifyPatch{
		Content: &body,
		Reason:  "document re-ingest",
	}, wc)
	if err != nil {
		return err
	}
	if res.Status == store.StatusDuplicate {
		w.logger.Warn("document chunk update skipped, content owned by another memory")
	}
	return nil
}
