package recall

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// graphBoost scores candidates by shared entities: a memory gains a
// point per entity it shares with the query's named entities or with
// the candidate pool's hottest entities, normalised to [0,1]. Disabled
// (all zeros) when the configured boost weight is zero.
func (e *Engine) graphBoost(ctx context.Context, queryText string, candidateIDs []string) map[string]float64 {
	out := make(map[string]float64)
	if e.cfg.GraphBoostWeight <= 0 && e.cfg.GraphWeight <= 0 {
		return out
	}

	mentions, err := e.store.EntitiesForMemories(ctx, candidateIDs)
	if err != nil {
		e.logger.Warn("graph boost lookup failed", zap.Error(err))
		return out
	}
	if len(mentions) == 0 {
		return out
	}

	boosted := make(map[int64]struct{})

	// Query-named entities: every multi-word window and single token of
	// the query is tried against the entity table's canonical names.
	for _, name := range entityCandidates(queryText) {
		ent, err := e.store.EntityByName(ctx, name)
		if err == nil && ent != nil {
			boosted[ent.ID] = struct{}{}
		}
	}

	// Hottest entities of the pool: the most mentioned across candidates.
	freq := make(map[int64]int)
	for _, ids := range mentions {
		for _, id := range ids {
			freq[id]++
		}
	}
	type entCount struct {
		id int64
		n  int
	}
	hot := make([]entCount, 0, len(freq))
	for id, n := range freq {
		if n >= 2 {
			hot = append(hot, entCount{id, n})
		}
	}
	sort.Slice(hot, func(i, j int) bool { return hot[i].n > hot[j].n })
	for i, h := range hot {
		if i >= 3 {
			break
		}
		boosted[h.id] = struct{}{}
	}

	if len(boosted) == 0 {
		return out
	}

	maxShared := 0
	shared := make(map[string]int)
	for memID, ids := range mentions {
		for _, id := range ids {
			if _, ok := boosted[id]; ok {
				shared[memID]++
			}
		}
		if shared[memID] > maxShared {
			maxShared = shared[memID]
		}
	}
	for memID, n := range shared {
		out[memID] = float64(n) / float64(maxShared)
	}
	return out
}

// entityCandidates yields the query substrings worth an entity lookup:
// each token plus each adjacent pair.
func entityCandidates(query string) []string {
	fields := strings.Fields(query)
	if len(fields) > 12 {
		fields = fields[:12]
	}
	out := make([]string, 0, len(fields)*2)
	for i, f := range fields {
		out = append(out, f)
		if i+1 < len(fields) {
			out = append(out, f+" "+fields[i+1])
		}
	}
	return out
}
