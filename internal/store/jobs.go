package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Retry backoff bounds. The delay doubles per attempt with jitter and
// caps at five minutes.
const (
	retryBaseDelay = 5 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// enqueueJobTx inserts a pending job inside the caller's transaction so
// the enqueue is atomic with the mutation that caused it.
func (s *Store) enqueueJobTx(tx *sql.Tx, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 3
	}
	j.Status = JobPending
	j.CreatedAt = FormatTime(s.now())

	_, err := tx.Exec(`INSERT INTO jobs
		(id, memory_id, job_type, status, payload, max_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, nullIfEmpty(j.MemoryID), j.Type, j.Status, j.Payload, j.MaxAttempts, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("job enqueue failed: %w", err)
	}
	return nil
}

// EnqueueJob inserts a pending job in its own transaction.
func (s *Store) EnqueueJob(ctx context.Context, j *Job) error {
	return s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return s.enqueueJobTx(tx, j)
	})
}

// LeaseJobs atomically claims up to limit due jobs of the given types
// for workerID. A claimed job gets a fresh lease id, attempts is bumped
// at lease time so a crashed worker still consumes an attempt, and the
// lease expires after leaseTimeout (SweepExpiredLeases reclaims it).
func (s *Store) LeaseJobs(ctx context.Context, workerID string, types []string, limit int, leaseTimeout time.Duration) ([]*Job, error) {
	if limit <= 0 || len(types) == 0 {
		return nil, nil
	}

	var leased []*Job
	err := s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		now := FormatTime(s.now())
		placeholders := strings.TrimRight(strings.Repeat("?,", len(types)), ",")
		args := make([]interface{}, 0, len(types)+2)
		for _, t := range types {
			args = append(args, t)
		}
		args = append(args, now, limit)

		// pending jobs are due immediately; retry_scheduled jobs are due
		// once next_attempt_at passes. Oldest first.
		rows, err := tx.Query(fmt.Sprintf(`SELECT id, memory_id, job_type, payload, attempts, max_attempts, created_at
			FROM jobs
			WHERE job_type IN (%s)
			  AND (status = 'pending' OR (status = 'retry_scheduled' AND next_attempt_at <= ?))
			ORDER BY created_at ASC, id ASC
			LIMIT ?`, placeholders), args...)
		if err != nil {
			return fmt.Errorf("job scan failed: %w", err)
		}
		for rows.Next() {
			var j Job
			var memoryID sql.NullString
			if err := rows.Scan(&j.ID, &memoryID, &j.Type, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			j.MemoryID = memoryID.String
			leased = append(leased, &j)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, j := range leased {
			j.LeaseID = uuid.NewString()
			j.Status = JobLeased
			j.Attempts++
			j.LeasedAt = now
			if _, err := tx.Exec(
				`UPDATE jobs SET status = 'leased', lease_id = ?, leased_at = ?, attempts = ?, last_error = NULL WHERE id = ?`,
				j.LeaseID, j.LeasedAt, j.Attempts, j.ID,
			); err != nil {
				return fmt.Errorf("job lease failed: %w", err)
			}
		}
		_ = workerID // recorded only in logs; the lease id is the claim token
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// CompleteJob finishes a leased job. The lease id must still match:
// a stale worker whose lease was swept cannot complete the job.
func (s *Store) CompleteJob(ctx context.Context, jobID, leaseID, result string) error {
	return s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE jobs SET status = 'completed', result = ?, completed_at = ?, lease_id = NULL, leased_at = NULL
			WHERE id = ? AND status = 'leased' AND lease_id = ?`,
			result, FormatTime(s.now()), jobID, leaseID,
		)
		if err != nil {
			return fmt.Errorf("job complete failed: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("job %s: lease %s no longer held", jobID, leaseID)
		}
		return nil
	})
}

// FailJob records a failed attempt. With attempts remaining the job is
// rescheduled with exponential backoff plus jitter; otherwise it goes
// to the dead letter state and stays queryable.
func (s *Store) FailJob(ctx context.Context, jobID, leaseID, errMsg, errCode string) error {
	return s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRow(
			"SELECT attempts, max_attempts FROM jobs WHERE id = ? AND status = 'leased' AND lease_id = ?",
			jobID, leaseID,
		).Scan(&attempts, &maxAttempts)
		if err == sql.ErrNoRows {
			return fmt.Errorf("job %s: lease %s no longer held", jobID, leaseID)
		}
		if err != nil {
			return err
		}

		now := s.now()
		if attempts >= maxAttempts {
			_, err := tx.Exec(
				`UPDATE jobs SET status = 'dead', failed_at = ?, last_error = ?, last_error_code = ?, lease_id = NULL, leased_at = NULL
				WHERE id = ?`,
				FormatTime(now), errMsg, errCode, jobID,
			)
			return err
		}

		delay := retryDelay(attempts)
		_, err = tx.Exec(
			`UPDATE jobs SET status = 'retry_scheduled', next_attempt_at = ?, last_error = ?, last_error_code = ?, lease_id = NULL, leased_at = NULL
			WHERE id = ?`,
			FormatTime(now.Add(delay)), errMsg, errCode, jobID,
		)
		return err
	})
}

// retryDelay is min(base*2^(attempts-1), cap) plus up to 25% jitter.
func retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := retryBaseDelay << (attempts - 1)
	if delay > retryMaxDelay || delay <= 0 {
		delay = retryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// SweepExpiredLeases returns expired-lease jobs to the queue. Attempts
// were already consumed at lease time, so a job whose holder crashed on
// its last attempt goes straight to dead.
func (s *Store) SweepExpiredLeases(ctx context.Context, leaseTimeout time.Duration) (int64, error) {
	var swept int64
	err := s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		cutoff := FormatTime(now.Add(-leaseTimeout))

		res, err := tx.Exec(
			`UPDATE jobs SET status = 'dead', failed_at = ?, last_error = 'lease expired', last_error_code = 'timeout', lease_id = NULL, leased_at = NULL
			WHERE status = 'leased' AND leased_at <= ? AND attempts >= max_attempts`,
			FormatTime(now), cutoff,
		)
		if err != nil {
			return err
		}
		dead, _ := res.RowsAffected()

		res, err = tx.Exec(
			`UPDATE jobs SET status = 'retry_scheduled', next_attempt_at = ?, last_error = 'lease expired', last_error_code = 'timeout', lease_id = NULL, leased_at = NULL
			WHERE status = 'leased' AND leased_at <= ?`,
			FormatTime(now), cutoff,
		)
		if err != nil {
			return err
		}
		retried, _ := res.RowsAffected()
		swept = dead + retried
		return nil
	})
	return swept, err
}

// JobByID fetches one job.
func (s *Store) JobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		var memoryID, leaseID, leasedAt, nextAt, completedAt, failedAt, lastErr, lastCode sql.NullString
		err := db.QueryRowContext(ctx, `SELECT
			id, memory_id, job_type, status, payload, result, attempts, max_attempts,
			lease_id, leased_at, next_attempt_at, created_at, completed_at, failed_at,
			last_error, last_error_code
			FROM jobs WHERE id = ?`, id,
		).Scan(&j.ID, &memoryID, &j.Type, &j.Status, &j.Payload, &j.Result, &j.Attempts,
			&j.MaxAttempts, &leaseID, &leasedAt, &nextAt, &j.CreatedAt, &completedAt,
			&failedAt, &lastErr, &lastCode)
		if err != nil {
			return err
		}
		j.MemoryID = memoryID.String
		j.LeaseID = leaseID.String
		j.LeasedAt = leasedAt.String
		j.NextAttemptAt = nextAt.String
		j.CompletedAt = completedAt.String
		j.FailedAt = failedAt.String
		j.LastError = lastErr.String
		j.LastErrorCode = lastCode.String
		return nil
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// JobCounts returns per-status queue depth for observability.
func (s *Store) JobCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts[status] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// DeadJobs lists dead-letter jobs, most recently failed first.
func (s *Store) DeadJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*Job
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT id, memory_id, job_type, attempts, max_attempts, failed_at, last_error, last_error_code
			FROM jobs WHERE status = 'dead' ORDER BY failed_at DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var j Job
			var memoryID, failedAt, lastErr, lastCode sql.NullString
			if err := rows.Scan(&j.ID, &memoryID, &j.Type, &j.Attempts, &j.MaxAttempts, &failedAt, &lastErr, &lastCode); err != nil {
				return err
			}
			j.Status = JobDead
			j.MemoryID = memoryID.String
			j.FailedAt = failedAt.String
			j.LastError = lastErr.String
			j.LastErrorCode = lastCode.String
			out = append(out, &j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RetryDeadJob requeues one dead job with a fresh attempt budget.
func (s *Store) RetryDeadJob(ctx context.Context, id string) error {
	return s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE jobs SET status = 'pending', attempts = 0, failed_at = NULL, last_error = NULL, last_error_code = NULL
			WHERE id = ? AND status = 'dead'`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("job %s is not dead", id)
		}
		return nil
	})
}
