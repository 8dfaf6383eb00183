// Package worker runs the asynchronous side of the memory pipeline:
// the job loops (extract, embed, decide, summary, document), the
// retention sweeper, and queue maintenance. Jobs come from the durable
// queue with at-least-once semantics, so every handler is idempotent
// on its own output.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signet/internal/config"
	"signet/internal/memerr"
	"signet/internal/store"
)

// Handler processes one leased job. The returned string is stored as
// the job result.
type Handler func(ctx context.Context, job *store.Job) (string, error)

// Runner owns the poll loop and the periodic sweeps.
type Runner struct {
	store   *store.Store
	logger  *zap.Logger
	cfg     func() *config.Config
	id      string
	clock   func() time.Time

	handlers map[string]Handler
	timeouts map[string]func(*config.Config) time.Duration
}

// NewRunner creates a runner with no handlers registered.
func NewRunner(st *store.Store, cfg func() *config.Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:    st,
		logger:   logger.Named("worker"),
		cfg:      cfg,
		id:       "worker-" + uuid.NewString()[:8],
		clock:    time.Now,
		handlers: make(map[string]Handler),
		timeouts: make(map[string]func(*config.Config) time.Duration),
	}
}

// Register binds a handler and its per-item timeout to a job type.
func (r *Runner) Register(jobType string, h Handler, timeout func(*config.Config) time.Duration) {
	r.handlers[jobType] = h
	r.timeouts[jobType] = timeout
}

// Run polls until ctx is cancelled. One loop serves every registered
// type; the store's lease transaction keeps concurrent runners safe.
func (r *Runner) Run(ctx context.Context) error {
	cfg := r.cfg()
	poll := time.NewTicker(cfg.Workers.PollInterval.Std())
	defer poll.Stop()
	sweep := time.NewTicker(cfg.Workers.LeaseTimeout.Std())
	defer sweep.Stop()
	retention := time.NewTicker(cfg.Retention.SweepInterval.Std())
	defer retention.Stop()
	maintenance := time.NewTicker(cfg.Workers.MaintenanceInterval.Std())
	defer maintenance.Stop()

	r.logger.Info("worker runner started",
		zap.String("worker_id", r.id),
		zap.Int("handlers", len(r.handlers)))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("worker runner stopping")
			return ctx.Err()
		case <-poll.C:
			r.pollOnce(ctx)
		case <-sweep.C:
			if n, err := r.store.SweepExpiredLeases(ctx, r.cfg().Workers.LeaseTimeout.Std()); err != nil {
				r.logger.Warn("lease sweep failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("reclaimed expired leases", zap.Int64("count", n))
			}
		case <-retention.C:
			r.enqueuePeriodic(ctx, store.JobRetention)
		case <-maintenance.C:
			r.runMaintenance(ctx)
		}
	}
}

// enqueuePeriodic puts a periodic job through the queue so its runs
// are durable and observable like any other job.
func (r *Runner) enqueuePeriodic(ctx context.Context, jobType string) {
	if _, ok := r.handlers[jobType]; !ok {
		return
	}
	if err := r.store.EnqueueJob(ctx, &store.Job{Type: jobType}); err != nil {
		r.logger.Warn("failed to enqueue periodic job",
			zap.String("job_type", jobType), zap.Error(err))
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	cfg := r.cfg()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}

	jobs, err := r.store.LeaseJobs(ctx, r.id, types, cfg.Workers.BatchSize, cfg.Workers.LeaseTimeout.Std())
	if err != nil {
		r.logger.Warn("lease failed", zap.Error(err))
		return
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		r.process(ctx, cfg, job)
	}
}

func (r *Runner) process(ctx context.Context, cfg *config.Config, job *store.Job) {
	handler := r.handlers[job.Type]

	timeout := 60 * time.Second
	if tf, ok := r.timeouts[job.Type]; ok && tf != nil {
		if d := tf(cfg); d > 0 {
			timeout = d
		}
	}
	jctx, cancel := context.WithTimeout(ctx, timeout)
	start := r.clock()
	result, err := handler(jctx, job)
	cancel()

	elapsed := r.clock().Sub(start)
	if err != nil {
		code := string(memerr.CodeOf(err))
		if jctx.Err() == context.DeadlineExceeded {
			code = string(memerr.CodeTimeout)
		}
		r.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Int("attempt", job.Attempts),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		if ferr := r.store.FailJob(ctx, job.ID, job.LeaseID, err.Error(), code); ferr != nil {
			r.logger.Warn("failed to record job failure", zap.String("job_id", job.ID), zap.Error(ferr))
		}
		return
	}

	r.logger.Debug("job completed",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Duration("elapsed", elapsed))
	if cerr := r.store.CompleteJob(ctx, job.ID, job.LeaseID, result); cerr != nil {
		r.logger.Warn("failed to record job completion", zap.String("job_id", job.ID), zap.Error(cerr))
	}
}
