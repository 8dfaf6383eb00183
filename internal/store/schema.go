package store

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is the newest registered migration.
const CurrentSchemaVersion = 18

// Migration is one schema revision. Apply must be idempotent: every
// statement is written with IF NOT EXISTS / add-column-if-missing
// semantics because historical CLIs stamped versions without running
// the DDL (see Migrate). Probe checks for on-disk evidence that the
// revision was really applied; a stamp alone is not proof.
type Migration struct {
	Version int
	Name    string
	Apply   func(tx *sql.Tx) error
	Probe   func(q querier) bool

	// Optional migrations may fail without aborting (the vec0 virtual
	// table requires an extension the host may not have).
	Optional bool
}

// querier is the subset of sql.Tx / sql.DB the probes need.
type querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// migrations is the ordered registry. Versions are contiguous from 1.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "memories_table",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS memories (
					id TEXT PRIMARY KEY,
					content TEXT NOT NULL,
					type TEXT NOT NULL DEFAULT 'fact',
					importance REAL NOT NULL DEFAULT 0.5,
					confidence REAL NOT NULL DEFAULT 1.0,
					tags TEXT NOT NULL DEFAULT '',
					who TEXT NOT NULL DEFAULT '',
					project TEXT NOT NULL DEFAULT '',
					pinned INTEGER NOT NULL DEFAULT 0,
					is_deleted INTEGER NOT NULL DEFAULT 0,
					deleted_at TEXT,
					version INTEGER NOT NULL DEFAULT 1,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type)`,
				`CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project)`,
				`CREATE INDEX IF NOT EXISTS idx_memories_pinned ON memories(pinned)`,
				`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)`,
			)
		},
		Probe: func(q querier) bool { return tableExists(q, "memories") },
	},
	{
		Version: 2,
		Name:    "memory_history_table",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS memory_history (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					memory_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					prev_content TEXT,
					next_content TEXT,
					changed_by TEXT NOT NULL DEFAULT '',
					reason TEXT NOT NULL DEFAULT '',
					metadata TEXT NOT NULL DEFAULT '{}',
					created_at TEXT NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_history_memory ON memory_history(memory_id, id)`,
				`CREATE INDEX IF NOT EXISTS idx_history_created ON memory_history(created_at)`,
			)
		},
		// Some old CLIs stamped version 2 without creating the table.
		Probe: func(q querier) bool { return tableExists(q, "memory_history") },
	},
	{
		Version: 3,
		Name:    "fts_index",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
					content,
					content='memories',
					content_rowid='rowid'
				)`,
				`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
					INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
				END`,
				`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
					INSERT INTO memories_fts(memories_fts, rowid, content)
						VALUES('delete', old.rowid, old.content);
				END`,
				`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
					INSERT INTO memories_fts(memories_fts, rowid, content)
						VALUES('delete', old.rowid, old.content);
					INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
				END`,
			)
		},
		Probe: func(q querier) bool { return tableExists(q, "memories_fts") },
	},
	{
		Version: 4,
		Name:    "content_hash",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`ALTER TABLE memories ADD COLUMN content_hash TEXT`,
				`CREATE INDEX IF NOT EXISTS idx_memories_content_hash ON memories(content_hash)`,
			)
		},
		Probe: func(q querier) bool { return columnExists(q, "memories", "content_hash") },
	},
	{
		Version: 5,
		Name:    "idempotency_key",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`ALTER TABLE memories ADD COLUMN idempotency_key TEXT`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_idempotency
					ON memories(idempotency_key) WHERE idempotency_key IS NOT NULL`,
			)
		},
		Probe: func(q querier) bool { return columnExists(q, "memories", "idempotency_key") },
	},
	{
		Version: 6,
		Name:    "provenance_columns",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`ALTER TABLE memories ADD COLUMN source_type TEXT NOT NULL DEFAULT ''`,
				`ALTER TABLE memories ADD COLUMN source_path TEXT NOT NULL DEFAULT ''`,
				`ALTER TABLE memories ADD COLUMN source_section TEXT NOT NULL DEFAULT ''`,
				`ALTER TABLE memories ADD COLUMN source_id TEXT NOT NULL DEFAULT ''`,
			)
		},
		Probe: func(q querier) bool { return columnExists(q, "memories", "source_type") },
	},
	{
		Version: 7,
		Name:    "access_tracking",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`ALTER TABLE memories ADD COLUMN access_count INTEGER NOT NULL DEFAULT 0`,
				`ALTER TABLE memories ADD COLUMN last_accessed TEXT`,
			)
		},
		Probe: func(q querier) bool { return columnExists(q, "memories", "access_count") },
	},
	{
		Version: 8,
		Name:    "extraction_status",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`ALTER TABLE memories ADD COLUMN extraction_status TEXT NOT NULL DEFAULT 'none'`,
				`ALTER TABLE memories ADD COLUMN embedding_model TEXT NOT NULL DEFAULT ''`,
			)
		},
		Probe: func(q querier) bool { return columnExists(q, "memories", "extraction_status") },
	},
	{
		Version: 9,
		Name:    "embeddings_table",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS embeddings (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					content_hash TEXT NOT NULL UNIQUE,
					vector BLOB NOT NULL,
					dims INTEGER NOT NULL,
					source_type TEXT NOT NULL DEFAULT 'memory',
					source_id TEXT NOT NULL DEFAULT '',
					chunk_text TEXT NOT NULL DEFAULT '',
					model TEXT NOT NULL DEFAULT '',
					created_at TEXT NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_embeddings_source ON embeddings(source_type, source_id)`,
			)
		},
		Probe: func(q querier) bool { return tableExists(q, "embeddings") },
	},
	{
		Version: 10,
		Name:    "vec_ann_index",
		Apply: func(tx *sql.Tx) error {
			// Requires the vec0 extension; absence degrades recall to
			// the exact cosine scan.
			return execAll(tx,
				`CREATE VIRTUAL TABLE IF NOT EXISTS vec_index USING vec0(
					embedding float[768],
					content_hash TEXT
				)`,
			)
		},
		Optional: true,
	},
	{
		Version: 11,
		Name:    "entity_graph",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS entities (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL,
					canonical_name TEXT NOT NULL UNIQUE,
					entity_type TEXT NOT NULL DEFAULT '',
					mention_count INTEGER NOT NULL DEFAULT 0,
					embedding_hash TEXT,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS entity_relations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					source_entity_id INTEGER NOT NULL,
					target_entity_id INTEGER NOT NULL,
					relation_type TEXT NOT NULL,
					strength REAL NOT NULL DEFAULT 1.0,
					confidence REAL NOT NULL DEFAULT 1.0,
					mention_count INTEGER NOT NULL DEFAULT 1,
					UNIQUE(source_entity_id, target_entity_id, relation_type)
				)`,
				`CREATE TABLE IF NOT EXISTS memory_entity_mentions (
					memory_id TEXT NOT NULL,
					entity_id INTEGER NOT NULL,
					mention_text TEXT NOT NULL DEFAULT '',
					confidence REAL NOT NULL DEFAULT 1.0,
					created_at TEXT NOT NULL,
					PRIMARY KEY (memory_id, entity_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_mentions_entity ON memory_entity_mentions(entity_id)`,
				`CREATE INDEX IF NOT EXISTS idx_relations_source ON entity_relations(source_entity_id)`,
			)
		},
		Probe: func(q querier) bool { return tableExists(q, "entities") },
	},
	{
		Version: 12,
		Name:    "jobs_table",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS jobs (
					id TEXT PRIMARY KEY,
					memory_id TEXT,
					job_type TEXT NOT NULL,
					status TEXT NOT NULL DEFAULT 'pending',
					payload TEXT NOT NULL DEFAULT '',
					result TEXT NOT NULL DEFAULT '',
					attempts INTEGER NOT NULL DEFAULT 0,
					max_attempts INTEGER NOT NULL DEFAULT 3,
					lease_id TEXT,
					leased_at TEXT,
					next_attempt_at TEXT,
					created_at TEXT NOT NULL,
					completed_at TEXT,
					failed_at TEXT,
					last_error TEXT,
					last_error_code TEXT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, job_type, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_jobs_memory ON jobs(memory_id)`,
			)
		},
		Probe: func(q querier) bool { return tableExists(q, "jobs") },
	},
	{
		Version: 13,
		Name:    "documents",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS documents (
					id TEXT PRIMARY KEY,
					path TEXT NOT NULL UNIQUE,
					file_hash TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'pending',
					chunk_count INTEGER NOT NULL DEFAULT 0,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS document_memories (
					document_id TEXT NOT NULL,
					memory_id TEXT NOT NULL,
					chunk_index INTEGER NOT NULL DEFAULT 0,
					PRIMARY KEY (document_id, memory_id)
				)`,
			)
		},
		Probe: func(q querier) bool { return tableExists(q, "documents") },
	},
	{
		Version: 14,
		Name:    "signing_columns",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`ALTER TABLE memories ADD COLUMN signature TEXT NOT NULL DEFAULT ''`,
				`ALTER TABLE memories ADD COLUMN signer_did TEXT NOT NULL DEFAULT ''`,
			)
		},
		Probe: func(q querier) bool { return columnExists(q, "memories", "signer_did") },
	},
	{
		Version: 15,
		Name:    "runtime_path_and_actors",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`ALTER TABLE memories ADD COLUMN runtime_path TEXT NOT NULL DEFAULT 'legacy'`,
				`ALTER TABLE memory_history ADD COLUMN actor_type TEXT NOT NULL DEFAULT 'system'`,
				`ALTER TABLE memory_history ADD COLUMN session_key TEXT NOT NULL DEFAULT ''`,
				`ALTER TABLE memory_history ADD COLUMN request_id TEXT NOT NULL DEFAULT ''`,
			)
		},
		Probe: func(q querier) bool { return columnExists(q, "memory_history", "actor_type") },
	},
	{
		Version: 16,
		Name:    "sessions_table",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS sessions (
					session_key TEXT PRIMARY KEY,
					runtime_path TEXT NOT NULL,
					harness TEXT NOT NULL DEFAULT '',
					project TEXT NOT NULL DEFAULT '',
					state TEXT NOT NULL DEFAULT 'claimed',
					claimed_at TEXT NOT NULL,
					ended_at TEXT
				)`,
			)
		},
		Probe: func(q querier) bool { return tableExists(q, "sessions") },
	},
	{
		Version: 17,
		Name:    "content_hash_partial_unique",
		Apply: func(tx *sql.Tx) error {
			// Pre-existing collisions keep the most recent row's hash;
			// older duplicates get a NULL hash so the unique index can
			// be built.
			if err := dedupeContentHashes(tx); err != nil {
				return err
			}
			return execAll(tx,
				`DROP INDEX IF EXISTS idx_memories_content_hash`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_content_hash_live
					ON memories(content_hash) WHERE is_deleted = 0 AND content_hash IS NOT NULL`,
			)
		},
		Probe: func(q querier) bool { return indexExists(q, "idx_memories_content_hash_live") },
	},
	{
		Version: 18,
		Name:    "hot_path_indexes",
		Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at)`,
				`CREATE INDEX IF NOT EXISTS idx_memories_deleted ON memories(is_deleted, deleted_at)`,
				`CREATE INDEX IF NOT EXISTS idx_jobs_next_attempt ON jobs(next_attempt_at)`,
				`CREATE INDEX IF NOT EXISTS idx_history_actor ON memory_history(actor_type)`,
			)
		},
		Probe: func(q querier) bool { return indexExists(q, "idx_memories_updated") },
	},
}

// dedupeContentHashes nulls the hash on all but the newest live row of
// each colliding content_hash group.
func dedupeContentHashes(tx *sql.Tx) error {
	_, err := tx.Exec(`
		UPDATE memories SET content_hash = NULL
		WHERE is_deleted = 0 AND content_hash IS NOT NULL AND EXISTS (
			SELECT 1 FROM memories m2
			WHERE m2.is_deleted = 0
			  AND m2.content_hash = memories.content_hash
			  AND (m2.updated_at > memories.updated_at
			       OR (m2.updated_at = memories.updated_at AND m2.rowid > memories.rowid))
		)`)
	if err != nil {
		return fmt.Errorf("failed to dedupe content hashes: %w", err)
	}
	return nil
}
