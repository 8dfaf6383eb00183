package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RetentionPolicy bounds each sweep.
type RetentionPolicy struct {
	TombstoneWindow    time.Duration
	HistoryWindow      time.Duration
	CompletedJobWindow time.Duration
	DeadJobWindow      time.Duration

	// BatchLimit caps rows purged per category per sweep so a backlog
	// cannot hold the writer for long.
	BatchLimit int
}

// RetentionSummary reports what one sweep removed.
type RetentionSummary struct {
	TombstonesPurged    int64 `json:"tombstones_purged"`
	HistoryPurged       int64 `json:"history_purged"`
	CompletedJobsPurged int64 `json:"completed_jobs_purged"`
	DeadJobsPurged      int64 `json:"dead_jobs_purged"`
	GraphLinksPurged    int64 `json:"graph_links_purged"`
	EntitiesOrphaned    int64 `json:"entities_orphaned"`
}

// RunRetention hard-deletes expired tombstones (and their history,
// mentions, and orphaned graph rows), old history of live rows, and
// aged-out terminal jobs. Pinned rows are never purged; a recovered row
// is live and equally safe. Everything runs in one write transaction so
// a sweep is all-or-nothing.
func (s *Store) RunRetention(ctx context.Context, p RetentionPolicy) (*RetentionSummary, error) {
	if p.BatchLimit <= 0 {
		p.BatchLimit = 500
	}
	now := s.now()
	var sum RetentionSummary

	err := s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if p.TombstoneWindow > 0 {
			cutoff := FormatTime(now.Add(-p.TombstoneWindow))

			rows, err := tx.Query(
				`SELECT id FROM memories WHERE is_deleted = 1 AND pinned = 0 AND deleted_at <= ? LIMIT ?`,
				cutoff, p.BatchLimit)
			if err != nil {
				return fmt.Errorf("tombstone scan failed: %w", err)
			}
			var ids []string
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return err
				}
				ids = append(ids, id)
			}
			if err := rows.Close(); err != nil {
				return err
			}

			for _, id := range ids {
				res, err := tx.Exec("DELETE FROM memory_history WHERE memory_id = ?", id)
				if err != nil {
					return err
				}
				n, _ := res.RowsAffected()
				sum.HistoryPurged += n

				res, err = tx.Exec("DELETE FROM memory_entity_mentions WHERE memory_id = ?", id)
				if err != nil {
					return err
				}
				n, _ = res.RowsAffected()
				sum.GraphLinksPurged += n

				if _, err := tx.Exec("DELETE FROM document_memories WHERE memory_id = ?", id); err != nil {
					return err
				}
				if _, err := tx.Exec("DELETE FROM memories WHERE id = ?", id); err != nil {
					return err
				}
				sum.TombstonesPurged++
			}

			// Embeddings are content addressed; drop the ones no live or
			// tombstoned row references anymore.
			if len(ids) > 0 {
				if _, err := tx.Exec(
					`DELETE FROM embeddings WHERE source_type = 'memory' AND content_hash NOT IN
						(SELECT content_hash FROM memories WHERE content_hash IS NOT NULL)`); err != nil {
					return err
				}
			}
		}

		if p.HistoryWindow > 0 {
			cutoff := FormatTime(now.Add(-p.HistoryWindow))
			// Keep the created event so version lineage stays traceable.
			res, err := tx.Exec(
				`DELETE FROM memory_history WHERE id IN (
					SELECT id FROM memory_history
					WHERE created_at <= ? AND kind != 'created'
					LIMIT ?)`,
				cutoff, p.BatchLimit)
			if err != nil {
				return fmt.Errorf("history purge failed: %w", err)
			}
			n, _ := res.RowsAffected()
			sum.HistoryPurged += n
		}

		if p.CompletedJobWindow > 0 {
			cutoff := FormatTime(now.Add(-p.CompletedJobWindow))
			res, err := tx.Exec(
				`DELETE FROM jobs WHERE id IN (
					SELECT id FROM jobs WHERE status = 'completed' AND completed_at <= ? LIMIT ?)`,
				cutoff, p.BatchLimit)
			if err != nil {
				return fmt.Errorf("completed job purge failed: %w", err)
			}
			n, _ := res.RowsAffected()
			sum.CompletedJobsPurged = n
		}

		if p.DeadJobWindow > 0 {
			cutoff := FormatTime(now.Add(-p.DeadJobWindow))
			res, err := tx.Exec(
				`DELETE FROM jobs WHERE id IN (
					SELECT id FROM jobs WHERE status = 'dead' AND failed_at <= ? LIMIT ?)`,
				cutoff, p.BatchLimit)
			if err != nil {
				return fmt.Errorf("dead job purge failed: %w", err)
			}
			n, _ := res.RowsAffected()
			sum.DeadJobsPurged = n
		}

		// Mention counts track distinct mentioning memories; recompute
		// from the surviving link rows before the orphan cleanup below.
		if _, err := tx.Exec(
			`UPDATE entities SET mention_count =
				(SELECT COUNT(*) FROM memory_entity_mentions WHERE entity_id = entities.id)`); err != nil {
			return err
		}

		// Entities with no surviving mentions are removed, and with them
		// every relation that touches a removed entity.
		res, err := tx.Exec(
			`DELETE FROM entity_relations WHERE
				source_entity_id NOT IN (SELECT DISTINCT entity_id FROM memory_entity_mentions)
				OR target_entity_id NOT IN (SELECT DISTINCT entity_id FROM memory_entity_mentions)`)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		sum.GraphLinksPurged += n

		res, err = tx.Exec(
			`DELETE FROM entities WHERE id NOT IN (SELECT DISTINCT entity_id FROM memory_entity_mentions)`)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		sum.EntitiesOrphaned = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sum, nil
}
