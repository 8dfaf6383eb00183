package recall

import (
	"context"

	"go.uber.org/zap"

	"signet/internal/store"
)

// rerank re-scores the top N fused results by cosine similarity
// between the query embedding and a fresh embedding of each
// candidate's full content. The stored vector may describe an older
// revision or a chunk; the fresh one always describes the row as it
// stands. On timeout or error the fused order is returned unchanged.
func (e *Engine) rerank(ctx context.Context, queryVec []float32, results []Result) []Result {
	topN := e.cfg.RerankerTopN
	if topN <= 0 {
		topN = 20
	}
	if topN > len(results) {
		topN = len(results)
	}
	if topN == 0 {
		return results
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RerankerTimeout.Std())
	defer cancel()

	texts := make([]string, topN)
	for i := 0; i < topN; i++ {
		texts[i] = results[i].Memory.Content
	}
	vecs, err := e.embedder.EmbedBatch(rctx, texts)
	if err != nil {
		e.logger.Warn("reranker failed, keeping fused order", zap.Error(err))
		return results
	}

	reranked := make([]Result, topN)
	copy(reranked, results[:topN])
	for i := range reranked {
		reranked[i].Score = store.CosineSimilarity(queryVec, vecs[i])
	}
	sortResults(reranked)

	out := make([]Result, 0, len(results))
	out = append(out, reranked...)
	out = append(out, results[topN:]...)
	return out
}
