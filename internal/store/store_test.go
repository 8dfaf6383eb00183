package store

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigratesToCurrentVersion(t *testing.T) {
	s := newTestStore(t)

	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("Failed to read schema version: %v", err)
	}
	if v != CurrentSchemaVersion {
		t.Errorf("Schema version = %d, want %d", v, CurrentSchemaVersion)
	}

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	for _, table := range []string{"memories", "memory_history", "embeddings", "entities", "jobs", "sessions"} {
		if _, ok := stats[table]; !ok {
			t.Errorf("Stats missing table: %s", table)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.Migrate(); err != nil {
			t.Fatalf("Re-running Migrate failed on pass %d: %v", i, err)
		}
	}

	var audits int
	err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migration_audit").Scan(&audits)
	if err != nil {
		t.Fatalf("Failed to count audit rows: %v", err)
	}
	// Re-runs must not re-apply anything.
	if audits > CurrentSchemaVersion {
		t.Errorf("Audit rows = %d, want at most %d", audits, CurrentSchemaVersion)
	}
}

func TestMigrateRepairsStampedButMissingRevision(t *testing.T) {
	s := newTestStore(t)

	// Simulate the historical bad stamp: the version row exists but the
	// table the revision creates does not.
	if _, err := s.db.Exec("DROP TABLE memory_history"); err != nil {
		t.Fatalf("Failed to drop memory_history: %v", err)
	}

	if err := s.Migrate(); err != nil {
		t.Fatalf("Repair migration failed: %v", err)
	}
	if !tableExists(s.db, "memory_history") {
		t.Error("memory_history not recreated by repair")
	}

	var repairs int
	err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migration_audit WHERE repair = 1").Scan(&repairs)
	if err != nil {
		t.Fatalf("Failed to count repair audits: %v", err)
	}
	if repairs == 0 {
		t.Error("Expected at least one repair audit row")
	}
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	a := FormatTime(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	b := FormatTime(time.Date(2026, 3, 1, 10, 0, 0, 5e6, time.UTC))
	if !(a < b) {
		t.Errorf("Timestamps do not sort lexically: %q >= %q", a, b)
	}

	parsed, err := ParseTime(b)
	if err != nil {
		t.Fatalf("Failed to parse %q: %v", b, err)
	}
	if parsed.Hour() != 10 {
		t.Errorf("Parsed hour = %d, want 10", parsed.Hour())
	}

	// Legacy RFC3339 rows must still parse.
	if _, err := ParseTime("2024-01-02T03:04:05Z"); err != nil {
		t.Errorf("Failed to parse RFC3339 timestamp: %v", err)
	}
}
