package worker

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"signet/internal/store"
)

// HandleRetention runs one retention sweep with the configured windows.
// The sweep itself is a single transaction, so a timed-out attempt
// leaves the store untouched and the retry starts clean.
func (w *Workers) HandleRetention(ctx context.Context, job *store.Job) (string, error) {
	ret := w.cfg().Retention
	sum, err := w.store.RunRetention(ctx, store.RetentionPolicy{
		TombstoneWindow:    ret.TombstoneWindow.Std(),
		HistoryWindow:      ret.HistoryWindow.Std(),
		CompletedJobWindow: ret.CompletedJobWindow.Std(),
		DeadJobWindow:      ret.DeadJobWindow.Std(),
		BatchLimit:         ret.BatchLimit,
	})
	if err != nil {
		return "", err
	}

	if sum.TombstonesPurged > 0 || sum.EntitiesOrphaned > 0 {
		w.logger.Info("retention sweep",
			zap.Int64("tombstones", sum.TombstonesPurged),
			zap.Int64("history", sum.HistoryPurged),
			zap.Int64("entities", sum.EntitiesOrphaned))
	}

	out, err := json.Marshal(sum)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// runMaintenance is the low-frequency housekeeping pass: reclaim any
// lease the periodic sweep missed, refresh planner statistics, and log
// a health snapshot.
func (r *Runner) runMaintenance(ctx context.Context) {
	cfg := r.cfg()

	if n, err := r.store.SweepExpiredLeases(ctx, cfg.Workers.LeaseTimeout.Std()); err != nil {
		r.logger.Warn("maintenance lease sweep failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("maintenance reclaimed leases", zap.Int64("count", n))
	}

	if err := r.store.Optimize(ctx); err != nil {
		r.logger.Warn("optimize failed", zap.Error(err))
	}

	counts, err := r.store.JobCounts(ctx)
	if err != nil {
		r.logger.Warn("job counts unavailable", zap.Error(err))
		return
	}
	stats, err := r.store.Stats(ctx)
	if err != nil {
		r.logger.Warn("store stats unavailable", zap.Error(err))
		return
	}
	r.logger.Info("maintenance snapshot",
		zap.Int64("memories_live", stats["memories_live"]),
		zap.Int64("jobs_pending", counts["pending"]),
		zap.Int64("jobs_dead", counts["dead"]))
}
