package store

import (
	"context"
	"database/sql"
	"fmt"
)

// appendHistoryTx writes one event inside the caller's transaction so
// the mutation and its audit row commit or roll back together.
func (s *Store) appendHistoryTx(tx *sql.Tx, ev *HistoryEvent) error {
	if ev.Metadata == "" {
		ev.Metadata = "{}"
	}
	ev.CreatedAt = FormatTime(s.now())
	res, err := tx.Exec(`INSERT INTO memory_history
		(memory_id, kind, prev_content, next_content, changed_by, reason, metadata,
		 actor_type, session_key, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.MemoryID, ev.Kind, ev.PrevContent, ev.NextContent, ev.ChangedBy, ev.Reason,
		ev.Metadata, ev.ActorType, ev.SessionKey, ev.RequestID, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("history append failed: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// History returns a memory's events, most recent first.
func (s *Store) History(ctx context.Context, memoryID string, limit int) ([]*HistoryEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*HistoryEvent
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT
			id, memory_id, kind, prev_content, next_content, changed_by, reason, metadata,
			actor_type, session_key, request_id, created_at
			FROM memory_history WHERE memory_id = ? ORDER BY id DESC LIMIT ?`,
			memoryID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ev HistoryEvent
			var prev, next sql.NullString
			if err := rows.Scan(
				&ev.ID, &ev.MemoryID, &ev.Kind, &prev, &next, &ev.ChangedBy, &ev.Reason,
				&ev.Metadata, &ev.ActorType, &ev.SessionKey, &ev.RequestID, &ev.CreatedAt,
			); err != nil {
				return err
			}
			ev.PrevContent = prev.String
			ev.NextContent = next.String
			out = append(out, &ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HistoryCount returns the number of events for a memory. A live row's
// version always equals this count.
func (s *Store) HistoryCount(ctx context.Context, memoryID string) (int64, error) {
	var n int64
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM memory_history WHERE memory_id = ?", memoryID).Scan(&n)
	})
	return n, err
}
