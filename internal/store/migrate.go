package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Migrate brings the database forward to CurrentSchemaVersion. It is
// idempotent: re-running against a current database is a no-op.
//
// Each pending revision runs inside its own write transaction; on
// success the version is stamped into schema_migrations and an audit
// row records the elapsed time. On failure the transaction rolls back
// and Migrate aborts, leaving the database at the last fully applied
// version.
//
// Stamped versions are not trusted blindly: historical CLIs stamped
// version 2 without running its DDL, so every stamped revision with a
// Probe is re-checked against on-disk evidence and silently repaired
// (all DDL carries IF NOT EXISTS semantics, so repair is safe).
func (s *Store) Migrate() error {
	if err := s.ensureMigrationTables(); err != nil {
		return err
	}

	stamped, err := s.stampedVersions()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if !stamped[m.Version] {
			if err := s.applyMigration(m, false); err != nil {
				return err
			}
			continue
		}
		if m.Probe != nil && !m.Probe(s.db) {
			s.logger.Warn("schema version stamped but evidence missing, repairing",
				zap.Int("version", m.Version), zap.String("name", m.Name))
			if err := s.applyMigration(m, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// SchemaVersion returns the highest stamped migration version.
func (s *Store) SchemaVersion() (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(v.Int64), nil
}

func (s *Store) ensureMigrationTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL,
			checksum TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_migration_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL,
			repair INTEGER NOT NULL DEFAULT 0,
			elapsed_ms INTEGER NOT NULL,
			applied_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create migration tables: %w", err)
		}
	}
	return nil
}

func (s *Store) stampedVersions() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	stamped := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		stamped[v] = true
	}
	return stamped, rows.Err()
}

func (s *Store) applyMigration(m Migration, repair bool) error {
	start := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
	}

	if err := m.Apply(tx); err != nil {
		_ = tx.Rollback()
		if m.Optional {
			s.logger.Warn("optional migration skipped",
				zap.Int("version", m.Version), zap.String("name", m.Name), zap.Error(err))
			return s.stampVersion(m, repair, time.Since(start))
		}
		return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
	}

	s.logger.Info("schema migration applied",
		zap.Int("version", m.Version), zap.String("name", m.Name), zap.Bool("repair", repair))
	return s.stampVersion(m, repair, time.Since(start))
}

func (s *Store) stampVersion(m Migration, repair bool, elapsed time.Duration) error {
	now := FormatTime(s.now())
	sum := migrationChecksum(m)

	if !repair {
		if _, err := s.db.Exec(
			"INSERT OR IGNORE INTO schema_migrations (version, applied_at, checksum) VALUES (?, ?, ?)",
			m.Version, now, sum,
		); err != nil {
			return fmt.Errorf("failed to stamp migration %d: %w", m.Version, err)
		}
	}
	if _, err := s.db.Exec(
		"INSERT INTO schema_migration_audit (version, name, checksum, repair, elapsed_ms, applied_at) VALUES (?, ?, ?, ?, ?, ?)",
		m.Version, m.Name, sum, boolToInt(repair), elapsed.Milliseconds(), now,
	); err != nil {
		return fmt.Errorf("failed to audit migration %d: %w", m.Version, err)
	}
	return nil
}

// migrationChecksum identifies the registered revision. Migrations are
// Go code, so the checksum covers the stable identity, not the DDL text.
func migrationChecksum(m Migration) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", m.Version, m.Name)))
	return hex.EncodeToString(sum[:])[:16]
}

// execAll runs DDL statements, tolerating duplicate-column and
// already-exists errors so repair passes stay idempotent.
func execAll(tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				continue
			}
			return fmt.Errorf("statement failed: %w", err)
		}
	}
	return nil
}

// tableExists checks sqlite_master for a table or virtual table.
func tableExists(q querier, table string) bool {
	var count int
	err := q.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
	).Scan(&count)
	return err == nil && count > 0
}

// indexExists checks sqlite_master for an index.
func indexExists(q querier, index string) bool {
	var count int
	err := q.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", index,
	).Scan(&count)
	return err == nil && count > 0
}

// columnExists checks PRAGMA table_info for a column.
func columnExists(q querier, table, column string) bool {
	rows, err := q.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
