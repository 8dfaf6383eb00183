// Package store implements the single-writer SQLite memory engine:
// schema migrations, memory CRUD with idempotent ingest and optimistic
// versioning, the append-only history log, the entity graph, the
// content-addressed vector store, the durable job queue, and the
// retention sweeper.
//
// All writes go through the Accessor's dedicated writer task; readers
// run concurrently against the latest committed WAL snapshot.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// timeLayout is the on-disk timestamp format: ISO-8601 UTC with fixed
// millisecond precision so string comparison matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders a timestamp in the on-disk layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a stored timestamp. Legacy rows may carry plain
// RFC3339, which is accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Store owns the memories database.
type Store struct {
	db       *sql.DB
	accessor *Accessor
	dbPath   string
	logger   *zap.Logger

	// now is the clock; tests override it to pin timestamps.
	now func() time.Time

	// vectorOK reports whether the vec0 virtual table is available.
	// Detected once at open; becoming available mid-run requires a
	// restart.
	vectorOK bool
}

// Options for opening a store.
type Options struct {
	// Path of the SQLite file. ":memory:" is allowed for tests.
	Path string

	// BusyTimeout for the connection. Defaults to 5s.
	BusyTimeout time.Duration

	Logger *zap.Logger
}

// Open opens (creating if necessary) the database, applies pragmas and
// all pending schema migrations, and starts the writer task. A
// migration failure is fatal: the store refuses to serve.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(sqliteDriver, opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:     db,
		dbPath: opts.Path,
		logger: opts.Logger,
		now:    time.Now,
	}

	if opts.Path == ":memory:" {
		// A pooled in-memory database is N independent databases; pin
		// to one connection so every handle sees the same schema.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s.vectorOK = probeVectorSupport(db)
	if !s.vectorOK {
		s.logger.Info("vec0 extension unavailable, recall degrades to keyword-only ANN path")
	}

	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.accessor = NewAccessor(db)
	return s, nil
}

// Close stops the writer task and closes the database.
func (s *Store) Close() error {
	if s.accessor != nil {
		s.accessor.Stop()
	}
	return s.db.Close()
}

// VectorAvailable reports whether the vec0 ANN index exists.
func (s *Store) VectorAvailable() bool { return s.vectorOK }

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// SetClock overrides the store clock. Tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// probeVectorSupport checks whether the vec0 module is registered with
// the driver by creating a throwaway virtual table.
func probeVectorSupport(db *sql.DB) bool {
	_, err := db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[2])")
	if err != nil {
		return false
	}
	_, _ = db.Exec("DROP TABLE IF EXISTS vec_probe")
	return true
}

// Optimize refreshes the query planner statistics. SQLite keeps the
// pragma cheap when nothing changed, so periodic calls are fine.
func (s *Store) Optimize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA optimize")
	return err
}

// Stats returns row counts for observability endpoints.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	tables := []string{"memories", "memory_history", "embeddings", "entities", "entity_relations", "memory_entity_mentions", "jobs", "documents", "sessions"}
	for _, table := range tables {
		var count int64
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			continue
		}
		stats[table] = count
	}
	var live int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories WHERE is_deleted = 0").Scan(&live); err == nil {
		stats["memories_live"] = live
	}
	return stats, nil
}
