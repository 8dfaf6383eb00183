// Package recall implements hybrid memory retrieval: BM25 keyword
// ranking and cosine vector similarity fused with configurable
// weights, a graph boost, pinned bonus, and time decay, with an
// optional embedding reranker on top.
package recall

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"signet/internal/config"
	"signet/internal/embedding"
	"signet/internal/store"
)

// Result sources.
const (
	SourceHybrid  = "hybrid"
	SourceVector  = "vector"
	SourceKeyword = "keyword"
	SourceFilter  = "filter"
)

// Query is one recall request. Text may be empty; then only the
// filters select, and without filters the result is empty.
type Query struct {
	Text string `json:"query"`

	Type          string   `json:"type,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Who           string   `json:"who,omitempty"`
	Project       string   `json:"project,omitempty"`
	Pinned        *bool    `json:"pinned,omitempty"`
	ImportanceMin float64  `json:"importance_min,omitempty"`
	Since         string   `json:"since,omitempty"` // inclusive on created_at

	MinScore *float64 `json:"min_score,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// Result is one scored recall hit.
type Result struct {
	Memory *store.Memory `json:"memory"`
	Score  float64       `json:"score"`
	Source string        `json:"source"`
}

// Engine wires the store, the optional embedder, and the scoring
// configuration.
type Engine struct {
	store    *store.Store
	embedder embedding.Embedder // nil disables the vector leg
	cfg      config.SearchConfig
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a recall engine. embedder may be nil.
func New(st *store.Store, embedder embedding.Embedder, cfg config.SearchConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, embedder: embedder, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock overrides the decay clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Name identifies the engine composition for injection headers.
func (e *Engine) Name() string {
	if e.embedder != nil {
		return "hybrid:" + e.embedder.Name()
	}
	return "keyword"
}

// Recall runs the full pipeline and bumps access counters on the hits.
func (e *Engine) Recall(ctx context.Context, q Query) ([]Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = e.cfg.TopK
	}

	if strings.TrimSpace(q.Text) == "" {
		if !q.hasFilters() {
			return nil, nil
		}
		return e.filterOnly(ctx, q, limit)
	}

	results, err := e.scored(ctx, q, limit)
	if err != nil {
		return nil, err
	}

	if len(results) > 0 {
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.Memory.ID
		}
		if err := e.store.Touch(ctx, ids); err != nil {
			e.logger.Warn("access touch failed", zap.Error(err))
		}
	}
	return results, nil
}

func (q Query) hasFilters() bool {
	return q.Type != "" || len(q.Tags) > 0 || q.Who != "" || q.Project != "" ||
		q.Pinned != nil || q.ImportanceMin > 0 || q.Since != ""
}

// matches applies the filter predicates to one live memory.
func (q Query) matches(m *store.Memory) bool {
	if m.IsDeleted {
		return false
	}
	if q.Type != "" && m.Type != q.Type {
		return false
	}
	if q.Who != "" && m.Who != q.Who {
		return false
	}
	if q.Project != "" && m.Project != q.Project {
		return false
	}
	if q.Pinned != nil && m.Pinned != *q.Pinned {
		return false
	}
	if q.ImportanceMin > 0 && m.Importance < q.ImportanceMin {
		return false
	}
	if q.Since != "" && m.CreatedAt < q.Since {
		return false
	}
	if len(q.Tags) > 0 {
		have := make(map[string]struct{})
		for _, t := range store.SplitTags(m.Tags) {
			have[t] = struct{}{}
		}
		for _, want := range q.Tags {
			if _, ok := have[strings.ToLower(strings.TrimSpace(want))]; !ok {
				return false
			}
		}
	}
	return true
}

// filterOnly lists matching memories ordered by (updated_at desc, id asc).
func (e *Engine) filterOnly(ctx context.Context, q Query, limit int) ([]Result, error) {
	// Over-fetch because tag/pinned/importance predicates apply in Go.
	mems, err := e.store.List(ctx, store.ListOptions{
		Limit:   limit * 10,
		Type:    q.Type,
		Project: q.Project,
	})
	if err != nil {
		return nil, err
	}

	var out []Result
	for _, m := range mems {
		if !q.matches(m) {
			continue
		}
		out = append(out, Result{Memory: m, Score: 0, Source: SourceFilter})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (e *Engine) scored(ctx context.Context, q Query, limit int) ([]Result, error) {
	// Over-fetch each leg so filters and fusion have room to disagree.
	legLimit := limit * 5
	if legLimit < 50 {
		legLimit = 50
	}

	keyword, err := e.store.KeywordSearch(ctx, q.Text, legLimit)
	if err != nil {
		return nil, err
	}

	var queryVec []float32
	var vector []store.VectorHit
	if e.embedder != nil {
		queryVec, err = e.embedder.Embed(ctx, q.Text)
		if err != nil {
			// Vector leg degrades, keyword still serves.
			e.logger.Warn("query embedding failed, vector leg skipped", zap.Error(err))
		} else {
			vector, err = e.store.VectorSearch(ctx, queryVec, legLimit)
			if err != nil {
				return nil, err
			}
		}
	}

	keywordScores := normalizeKeyword(keyword)
	vectorScores := normalizeVector(vector)

	ids := make([]string, 0, len(keywordScores)+len(vectorScores))
	seen := make(map[string]struct{})
	for id := range keywordScores {
		ids = append(ids, id)
		seen[id] = struct{}{}
	}
	for id := range vectorScores {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	mems, err := e.store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	graphScores := e.graphBoost(ctx, q.Text, ids)

	now := e.now()
	halfLife := e.cfg.DecayHalfLife.Std()
	minScore := e.cfg.MinScore
	if q.MinScore != nil {
		minScore = *q.MinScore
	}

	var results []Result
	for _, id := range ids {
		m, ok := mems[id]
		if !ok || !q.matches(m) {
			continue
		}

		kw, hasKw := keywordScores[id]
		vec, hasVec := vectorScores[id]
		fused := e.cfg.KeywordWeight*kw +
			e.cfg.VectorWeight*vec +
			e.cfg.GraphWeight*graphScores[id]
		if m.Pinned {
			fused += e.cfg.PinnedBoost
		}
		fused *= decay(m.CreatedAt, now, halfLife)

		if fused < minScore {
			continue
		}

		source := SourceHybrid
		switch {
		case hasKw && !hasVec:
			source = SourceKeyword
		case hasVec && !hasKw:
			source = SourceVector
		}
		results = append(results, Result{Memory: m, Score: fused, Source: source})
	}

	sortResults(results)

	// Rerank sees the fused top-N before the limit cut, so a candidate
	// just past the limit can still be promoted into the final page.
	if e.cfg.RerankerEnabled && e.embedder != nil && queryVec != nil {
		results = e.rerank(ctx, queryVec, results)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// sortResults orders by (score desc, updated_at desc, id asc).
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Memory.UpdatedAt != b.Memory.UpdatedAt {
			return a.Memory.UpdatedAt > b.Memory.UpdatedAt
		}
		return a.Memory.ID < b.Memory.ID
	})
}

// decay multiplies scores by exp(-age/halfLife).
func decay(createdAt string, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	created, err := store.ParseTime(createdAt)
	if err != nil {
		return 1
	}
	age := now.Sub(created)
	if age <= 0 {
		return 1
	}
	return math.Exp(-float64(age) / float64(halfLife))
}

// normalizeKeyword min-max normalises bm25 ranks into [0,1], inverted
// so lower rank (better) scores higher.
func normalizeKeyword(hits []store.KeywordHit) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	lo, hi := hits[0].Rank, hits[0].Rank
	for _, h := range hits {
		if h.Rank < lo {
			lo = h.Rank
		}
		if h.Rank > hi {
			hi = h.Rank
		}
	}
	for _, h := range hits {
		if hi == lo {
			out[h.MemoryID] = 1
			continue
		}
		out[h.MemoryID] = (hi - h.Rank) / (hi - lo)
	}
	return out
}

// normalizeVector min-max normalises similarities into [0,1].
func normalizeVector(hits []store.VectorHit) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	lo, hi := hits[0].Similarity, hits[0].Similarity
	for _, h := range hits {
		if h.Similarity < lo {
			lo = h.Similarity
		}
		if h.Similarity > hi {
			hi = h.Similarity
		}
	}
	for _, h := range hits {
		if hi == lo {
			out[h.MemoryID] = 1
			continue
		}
		out[h.MemoryID] = (h.Similarity - lo) / (hi - lo)
	}
	return out
}
