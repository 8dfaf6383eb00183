package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ClaimSession records a session claim. Claiming an already-claimed key
// is idempotent when the runtime path matches and an error when it does
// not: a session key belongs to exactly one runtime path for its life.
func (s *Store) ClaimSession(ctx context.Context, sess *Session) (*Session, error) {
	var out Session
	err := s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		var existing Session
		var endedAt sql.NullString
		err := tx.QueryRow(
			`SELECT session_key, runtime_path, harness, project, state, claimed_at, ended_at
			FROM sessions WHERE session_key = ?`, sess.SessionKey,
		).Scan(&existing.SessionKey, &existing.RuntimePath, &existing.Harness,
			&existing.Project, &existing.State, &existing.ClaimedAt, &endedAt)
		if err == nil {
			existing.EndedAt = endedAt.String
			if existing.RuntimePath != sess.RuntimePath {
				return fmt.Errorf("session %s already claimed by runtime path %q",
					sess.SessionKey, existing.RuntimePath)
			}
			out = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		out = *sess
		out.State = SessionClaimed
		out.ClaimedAt = FormatTime(s.now())
		_, err = tx.Exec(
			`INSERT INTO sessions (session_key, runtime_path, harness, project, state, claimed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			out.SessionKey, out.RuntimePath, out.Harness, out.Project, out.State, out.ClaimedAt)
		if err != nil {
			return fmt.Errorf("session claim failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession marks a session ended. Ending an ended session is a no-op.
func (s *Store) EndSession(ctx context.Context, sessionKey string) error {
	return s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE sessions SET state = 'ended', ended_at = ? WHERE session_key = ? AND state != 'ended'",
			FormatTime(s.now()), sessionKey)
		return err
	})
}

// SessionByKey fetches one session, nil when absent.
func (s *Store) SessionByKey(ctx context.Context, sessionKey string) (*Session, error) {
	var sess Session
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		var endedAt sql.NullString
		err := db.QueryRowContext(ctx,
			`SELECT session_key, runtime_path, harness, project, state, claimed_at, ended_at
			FROM sessions WHERE session_key = ?`, sessionKey,
		).Scan(&sess.SessionKey, &sess.RuntimePath, &sess.Harness, &sess.Project,
			&sess.State, &sess.ClaimedAt, &endedAt)
		if err != nil {
			return err
		}
		sess.EndedAt = endedAt.String
		return nil
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
