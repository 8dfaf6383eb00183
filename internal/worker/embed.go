package worker

import (
	"context"
	"fmt"

	"signet/internal/store"
)

// HandleEmbed embeds a memory body and stores the vector keyed by
// content hash. Re-running is harmless: the upsert replaces in place
// and the embedding_model stamp converges.
func (w *Workers) HandleEmbed(ctx context.Context, job *store.Job) (string, error) {
	if !w.derivedWritesAllowed() {
		return "shadow: embedding skipped", nil
	}

	m, err := w.store.Get(ctx, job.MemoryID)
	if err != nil {
		// The memory may have been purged between enqueue and lease.
		return "skipped: memory gone", nil
	}
	if m.IsDeleted {
		return "skipped: memory deleted", nil
	}
	if m.ContentHash == "" {
		return "", fmt.Errorf("memory %s has no content hash", m.ID)
	}

	vec, err := w.embedder.Embed(ctx, m.Content)
	if err != nil {
		return "", fmt.Errorf("embedding failed: %w", err)
	}

	if err := w.store.UpsertEmbedding(ctx, &store.Embedding{
		ContentHash: m.ContentHash,
		Vector:      vec,
		SourceType:  "memory",
		SourceID:    m.ID,
		Model:       w.embedder.Name(),
	}); err != nil {
		return "", err
	}
	if err := w.store.SetEmbedded(ctx, m.ID, w.embedder.Name()); err != nil {
		return "", err
	}
	return fmt.Sprintf("embedded %d dims with %s", len(vec), w.embedder.Name()), nil
}
