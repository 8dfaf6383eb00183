package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// UpsertDocument registers a source file keyed by path. An unchanged
// file hash returns the existing row so ingestion can skip it.
func (s *Store) UpsertDocument(ctx context.Context, path, fileHash string) (*Document, bool, error) {
	var doc Document
	var changed bool
	err := s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRow(
			"SELECT id, path, file_hash, status, chunk_count, created_at, updated_at FROM documents WHERE path = ?",
			path,
		).Scan(&doc.ID, &doc.Path, &doc.FileHash, &doc.Status, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt)
		if err == nil {
			if doc.FileHash == fileHash {
				changed = false
				return nil
			}
			changed = true
			now := FormatTime(s.now())
			doc.FileHash = fileHash
			doc.Status = "pending"
			doc.UpdatedAt = now
			_, err = tx.Exec(
				"UPDATE documents SET file_hash = ?, status = 'pending', updated_at = ? WHERE id = ?",
				fileHash, now, doc.ID)
			return err
		}
		if err != sql.ErrNoRows {
			return err
		}

		changed = true
		now := FormatTime(s.now())
		doc = Document{
			ID:        uuid.NewString(),
			Path:      path,
			FileHash:  fileHash,
			Status:    "pending",
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = tx.Exec(
			"INSERT INTO documents (id, path, file_hash, status, chunk_count, created_at, updated_at) VALUES (?, ?, ?, 'pending', 0, ?, ?)",
			doc.ID, doc.Path, doc.FileHash, now, now)
		if err != nil {
			return fmt.Errorf("document insert failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &doc, changed, nil
}

// FinishDocument marks an ingestion outcome and records which memories
// came from which chunk.
func (s *Store) FinishDocument(ctx context.Context, docID, status string, memoryIDs []string) error {
	return s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		for i, memID := range memoryIDs {
			if _, err := tx.Exec(
				`INSERT INTO document_memories (document_id, memory_id, chunk_index) VALUES (?, ?, ?)
				ON CONFLICT(document_id, memory_id) DO UPDATE SET chunk_index = excluded.chunk_index`,
				docID, memID, i); err != nil {
				return err
			}
		}
		_, err := tx.Exec(
			"UPDATE documents SET status = ?, chunk_count = ?, updated_at = ? WHERE id = ?",
			status, len(memoryIDs), FormatTime(s.now()), docID)
		return err
	})
}

// DocumentByPath fetches one document row, nil when absent.
func (s *Store) DocumentByPath(ctx context.Context, path string) (*Document, error) {
	var doc Document
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			"SELECT id, path, file_hash, status, chunk_count, created_at, updated_at FROM documents WHERE path = ?",
			path,
		).Scan(&doc.ID, &doc.Path, &doc.FileHash, &doc.Status, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
