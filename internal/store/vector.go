package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector packs a float32 vector into its little-endian BLOB form.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector unpacks a little-endian BLOB into a float32 vector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// CosineSimilarity between two vectors; 0 on dimension mismatch or a
// zero vector.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// UpsertEmbedding stores one content-addressed vector. The hash is the
// identity: re-embedding identical text replaces the row in place, and
// every memory or chunk with that text shares it. When the vec0 ANN
// index exists the vector is mirrored into it.
func (s *Store) UpsertEmbedding(ctx context.Context, e *Embedding) error {
	if len(e.Vector) == 0 {
		return fmt.Errorf("embedding vector must not be empty")
	}
	e.Dims = len(e.Vector)
	if e.SourceType == "" {
		e.SourceType = "memory"
	}
	blob := EncodeVector(e.Vector)

	return s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO embeddings
			(content_hash, vector, dims, source_type, source_id, chunk_text, model, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(content_hash) DO UPDATE SET
				vector = excluded.vector,
				dims = excluded.dims,
				model = excluded.model`,
			e.ContentHash, blob, e.Dims, e.SourceType, e.SourceID, e.ChunkText, e.Model,
			FormatTime(s.now()))
		if err != nil {
			return fmt.Errorf("embedding upsert failed: %w", err)
		}
		if s.vectorOK {
			// vec0 has no upsert; delete-then-insert keeps one row per hash.
			if _, err := tx.Exec("DELETE FROM vec_index WHERE content_hash = ?", e.ContentHash); err == nil {
				_, _ = tx.Exec("INSERT INTO vec_index (embedding, content_hash) VALUES (?, ?)",
					blob, e.ContentHash)
			}
		}
		return nil
	})
}

// EmbeddingByHash fetches one vector row, nil when absent.
func (s *Store) EmbeddingByHash(ctx context.Context, hash string) (*Embedding, error) {
	var e Embedding
	var blob []byte
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT id, content_hash, vector, dims, source_type, source_id, chunk_text, model, created_at
			FROM embeddings WHERE content_hash = ?`, hash,
		).Scan(&e.ID, &e.ContentHash, &blob, &e.Dims, &e.SourceType, &e.SourceID, &e.ChunkText, &e.Model, &e.CreatedAt)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v, err := DecodeVector(blob)
	if err != nil {
		return nil, err
	}
	e.Vector = v
	return &e, nil
}

// VectorHit pairs a live memory with its similarity to a query vector.
type VectorHit struct {
	MemoryID   string
	Similarity float64
}

// VectorSearch ranks live memories by cosine similarity to the query
// vector. This is the exact scan path: it joins embeddings to live
// memories by content hash and scores in process. The optional vec0
// index accelerates the same join when present.
func (s *Store) VectorSearch(ctx context.Context, query []float32, limit int) ([]VectorHit, error) {
	if len(query) == 0 || limit <= 0 {
		return nil, nil
	}

	var hits []VectorHit
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT m.id, e.vector
			FROM memories m
			JOIN embeddings e ON e.content_hash = m.content_hash
			WHERE m.is_deleted = 0 AND m.content_hash IS NOT NULL`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			var blob []byte
			if err := rows.Scan(&id, &blob); err != nil {
				return err
			}
			v, err := DecodeVector(blob)
			if err != nil {
				continue
			}
			sim := CosineSimilarity(query, v)
			if sim <= 0 {
				continue
			}
			hits = append(hits, VectorHit{MemoryID: id, Similarity: sim})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	// Partial sort would do; hit counts are small enough for a full one.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Similarity > hits[j-1].Similarity; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// KeywordHit pairs a live memory with its FTS5 rank.
type KeywordHit struct {
	MemoryID string
	Rank     float64 // bm25, lower is better
}

// KeywordSearch runs an FTS5 match over live memories. The query is
// quoted per token so user punctuation cannot break the match syntax;
// tokens are ANDed, so every token must appear.
func (s *Store) KeywordSearch(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	return s.keywordSearch(ctx, ftsQuery(query), limit)
}

// KeywordSearchAny matches memories sharing ANY token with the query,
// ranked by bm25. Used where near-misses matter, like finding the
// stored memories a new one might contradict.
func (s *Store) KeywordSearchAny(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	return s.keywordSearch(ctx, ftsQueryAny(query), limit)
}

func (s *Store) keywordSearch(ctx context.Context, match string, limit int) ([]KeywordHit, error) {
	if match == "" || limit <= 0 {
		return nil, nil
	}

	var hits []KeywordHit
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT m.id, bm25(memories_fts) AS rank
			FROM memories_fts f
			JOIN memories m ON m.rowid = f.rowid
			WHERE memories_fts MATCH ? AND m.is_deleted = 0
			ORDER BY rank ASC
			LIMIT ?`, match, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h KeywordHit
			if err := rows.Scan(&h.MemoryID, &h.Rank); err != nil {
				return err
			}
			hits = append(hits, h)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}
