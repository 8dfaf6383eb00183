package worker

import (
	"time"

	"go.uber.org/zap"

	"signet/internal/config"
	"signet/internal/embedding"
	"signet/internal/llm"
	"signet/internal/store"
)

// Workers bundles the handler dependencies. Embedder and Generator may
// be nil; the affected handlers are then not registered and their jobs
// wait in the queue until a configured restart.
type Workers struct {
	store     *store.Store
	embedder  embedding.Embedder
	generator llm.Generator
	cfg       func() *config.Config
	logger    *zap.Logger
}

// NewWorkers creates the handler set.
func NewWorkers(st *store.Store, emb embedding.Embedder, gen llm.Generator, cfg func() *config.Config, logger *zap.Logger) *Workers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workers{store: st, embedder: emb, generator: gen, cfg: cfg, logger: logger}
}

// RegisterAll binds every handler whose dependencies are present.
func (w *Workers) RegisterAll(r *Runner) {
	r.Register(store.JobRetention, w.HandleRetention, func(c *config.Config) time.Duration {
		return c.Workers.SummaryTimeout.Std()
	})
	r.Register(store.JobDocument, w.HandleDocument, func(c *config.Config) time.Duration {
		return c.Workers.SummaryTimeout.Std()
	})

	if w.embedder != nil {
		r.Register(store.JobEmbed, w.HandleEmbed, func(c *config.Config) time.Duration {
			return c.Workers.EmbedTimeout.Std()
		})
	}
	if w.generator != nil {
		r.Register(store.JobExtract, w.HandleExtract, func(c *config.Config) time.Duration {
			return c.Pipeline.ExtractionTimeout.Std()
		})
		r.Register(store.JobDecide, w.HandleDecide, func(c *config.Config) time.Duration {
			return c.Pipeline.ExtractionTimeout.Std()
		})
		r.Register(store.JobSummary, w.HandleSummary, func(c *config.Config) time.Duration {
			return c.Workers.SummaryTimeout.Std()
		})
	}
}

// derivedWritesAllowed gates mechanical derived writes such as vectors.
// The autonomous flags only govern content decisions, so they do not
// apply here.
func (w *Workers) derivedWritesAllowed() bool {
	p := w.cfg().Pipeline
	return p.Enabled && !p.MutationsFrozen && !p.ShadowMode
}

// writesAllowed checks the safety flags for worker-initiated writes.
func (w *Workers) writesAllowed() bool {
	cfg := w.cfg()
	p := cfg.Pipeline
	if !p.Enabled || p.MutationsFrozen || p.ShadowMode {
		return false
	}
	if !p.AutonomousEnabled || p.AutonomousFrozen {
		return false
	}
	return true
}
