package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"signet/internal/memerr"
)

// memoryColumns is the canonical select list; scanMemory must match.
const memoryColumns = `id, content, type, importance, confidence, tags, who, project,
	pinned, is_deleted, deleted_at, version, created_at, updated_at,
	content_hash, idempotency_key, source_type, source_path, source_section, source_id,
	access_count, last_accessed, extraction_status, embedding_model,
	signature, signer_did, runtime_path`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(r rowScanner) (*Memory, error) {
	var m Memory
	var deletedAt, contentHash, idemKey, lastAccessed sql.NullString
	var pinned, isDeleted int
	err := r.Scan(
		&m.ID, &m.Content, &m.Type, &m.Importance, &m.Confidence, &m.Tags, &m.Who, &m.Project,
		&pinned, &isDeleted, &deletedAt, &m.Version, &m.CreatedAt, &m.UpdatedAt,
		&contentHash, &idemKey, &m.SourceType, &m.SourcePath, &m.SourceSection, &m.SourceID,
		&m.AccessCount, &lastAccessed, &m.ExtractionStatus, &m.EmbeddingModel,
		&m.Signature, &m.SignerDID, &m.RuntimePath,
	)
	if err != nil {
		return nil, err
	}
	m.Pinned = pinned != 0
	m.IsDeleted = isDeleted != 0
	m.DeletedAt = deletedAt.String
	m.ContentHash = contentHash.String
	m.IdempotencyKey = idemKey.String
	m.LastAccessed = lastAccessed.String
	return &m, nil
}

// RememberOptions carries the optional attributes of a new memory.
type RememberOptions struct {
	Type           string
	Importance     *float64
	Confidence     *float64
	Tags           []string
	Who            string
	Project        string
	Pinned         bool
	SourceType     string
	SourcePath     string
	SourceSection  string
	SourceID       string
	IdempotencyKey string
	RuntimePath    string

	// Signature fields are attached by the signing layer before the
	// write transaction starts.
	Signature string
	SignerDID string

	// Job fan-out. Shadow mode and missing collaborators are decided by
	// the caller; the store only enqueues what it is told to.
	EnqueueEmbed   bool
	EnqueueExtract bool

	Write WriteContext
}

// RememberResult reports the outcome of an ingest.
type RememberResult struct {
	ID           string `json:"id"`
	Version      int64  `json:"version"`
	Deduped      bool   `json:"deduped,omitempty"`
	EmbedJobID   string `json:"embed_job_id,omitempty"`
	ExtractJobID string `json:"extract_job_id,omitempty"`
}

// Remember ingests content idempotently. An idempotency-key hit or a
// live content-hash hit returns the existing row with deduped=true and
// writes no history event; a miss inserts a version-1 row, appends its
// `created` event, and optionally enqueues embed/extract jobs, all in
// one write transaction.
func (s *Store) Remember(ctx context.Context, content string, opts RememberOptions) (*RememberResult, error) {
	normalized := NormalizeContent(content)
	if normalized == "" {
		return nil, memerr.New(memerr.CodeInvalidPayload, "content must not be empty")
	}
	hash := HashContent(normalized)

	if opts.Type == "" {
		opts.Type = "fact"
	}
	if opts.RuntimePath == "" {
		opts.RuntimePath = "legacy"
	}
	importance := 0.5
	if opts.Importance != nil {
		importance = clamp01(*opts.Importance)
	}
	confidence := 1.0
	if opts.Confidence != nil {
		confidence = clamp01(*opts.Confidence)
	}

	var res RememberResult
	err := s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		// Idempotency key wins over everything, deleted rows included.
		if opts.IdempotencyKey != "" {
			var id string
			var version int64
			err := tx.QueryRow(
				"SELECT id, version FROM memories WHERE idempotency_key = ?",
				opts.IdempotencyKey,
			).Scan(&id, &version)
			if err == nil {
				res = RememberResult{ID: id, Version: version, Deduped: true}
				return nil
			}
			if err != sql.ErrNoRows {
				return fmt.Errorf("idempotency lookup failed: %w", err)
			}
		}

		// Content-hash dedupe against live rows: merge tags, raise
		// importance, refresh updated_at. No history event, no version
		// bump.
		var existing struct {
			id         string
			version    int64
			tags       string
			importance float64
		}
		err := tx.QueryRow(
			"SELECT id, version, tags, importance FROM memories WHERE content_hash = ? AND is_deleted = 0",
			hash,
		).Scan(&existing.id, &existing.version, &existing.tags, &existing.importance)
		if err == nil {
			mergedTags := MergeTags(existing.tags, NormalizeTags(opts.Tags))
			mergedImportance := existing.importance
			if importance > mergedImportance {
				mergedImportance = importance
			}
			if _, err := tx.Exec(
				"UPDATE memories SET tags = ?, importance = ?, updated_at = ? WHERE id = ?",
				mergedTags, mergedImportance, FormatTime(s.now()), existing.id,
			); err != nil {
				return fmt.Errorf("dedupe merge failed: %w", err)
			}
			res = RememberResult{ID: existing.id, Version: existing.version, Deduped: true}
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("content hash lookup failed: %w", err)
		}

		id := uuid.NewString()
		now := FormatTime(s.now())
		extraction := ExtractionNone
		if opts.EnqueueExtract {
			extraction = ExtractionPending
		}

		_, err = tx.Exec(`INSERT INTO memories
			(id, content, type, importance, confidence, tags, who, project, pinned,
			 is_deleted, version, created_at, updated_at, content_hash, idempotency_key,
			 source_type, source_path, source_section, source_id, extraction_status,
			 signature, signer_did, runtime_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, normalized, opts.Type, importance, confidence, NormalizeTags(opts.Tags),
			opts.Who, opts.Project, boolToInt(opts.Pinned), now, now, hash,
			nullIfEmpty(opts.IdempotencyKey),
			opts.SourceType, opts.SourcePath, opts.SourceSection, opts.SourceID, extraction,
			opts.Signature, opts.SignerDID, opts.RuntimePath,
		)
		if err != nil {
			return fmt.Errorf("memory insert failed: %w", err)
		}

		if err := s.appendHistoryTx(tx, &HistoryEvent{
			MemoryID:    id,
			Kind:        EventCreated,
			NextContent: normalized,
			ChangedBy:   opts.Write.Actor,
			ActorType:   defaultActorType(opts.Write.ActorType),
			SessionKey:  opts.Write.SessionKey,
			RequestID:   opts.Write.RequestID,
		}); err != nil {
			return err
		}

		res = RememberResult{ID: id, Version: 1}

		if opts.EnqueueEmbed {
			job := &Job{MemoryID: id, Type: JobEmbed}
			if err := s.enqueueJobTx(tx, job); err != nil {
				return err
			}
			res.EmbedJobID = job.ID
		}
		if opts.EnqueueExtract {
			job := &Job{MemoryID: id, Type: JobExtract}
			if err := s.enqueueJobTx(tx, job); err != nil {
				return err
			}
			res.ExtractJobID = job.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ModifyPatch is a partial update; nil fields are untouched.
type ModifyPatch struct {
	Content    *string
	Type       *string
	Importance *float64
	Confidence *float64
	Tags       *[]string
	Pinned     *bool
	Who        *string
	Project    *string

	Reason    string
	IfVersion *int64
}

// Mutation statuses returned as data, not errors; storage failures are
// the only errors. The server maps these to HTTP codes.
const (
	StatusUpdated             = "updated"
	StatusNoChanges           = "no_changes"
	StatusNotFound            = "not_found"
	StatusVersionConflict     = "version_conflict"
	StatusDeleted             = "deleted"
	StatusNotDeleted          = "not_deleted"
	StatusDuplicate           = "duplicate"
	StatusRecovered           = "recovered"
	StatusPinnedRequiresForce = "pinned_requires_force"
)

// MutationResult reports the outcome of modify/forget/recover.
type MutationResult struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CurrentVersion int64  `json:"currentVersion,omitempty"`
	NewVersion     int64  `json:"newVersion,omitempty"`
}

// Modify applies a patch under optimistic locking. Content changes
// clear the stale embedding marker and enqueue a re-embed job.
func (s *Store) Modify(ctx context.Context, id string, patch ModifyPatch, wc WriteContext) (*MutationResult, error) {
	var res MutationResult
	err := s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		cur, err := getMemoryTx(tx, id)
		if err == sql.ErrNoRows {
			res = MutationResult{ID: id, Status: StatusNotFound}
			return nil
		}
		if err != nil {
			return err
		}
		if patch.IfVersion != nil && *patch.IfVersion != cur.Version {
			res = MutationResult{ID: id, Status: StatusVersionConflict, CurrentVersion: cur.Version}
			return nil
		}
		if cur.IsDeleted {
			res = MutationResult{ID: id, Status: StatusDeleted, CurrentVersion: cur.Version}
			return nil
		}

		next := *cur
		contentChanged := false
		if patch.Content != nil {
			normalized := NormalizeContent(*patch.Content)
			if normalized == "" {
				return memerr.New(memerr.CodeInvalidPayload, "content must not be empty")
			}
			if normalized != cur.Content {
				next.Content = normalized
				next.ContentHash = HashContent(normalized)
				contentChanged = true
			}
		}
		if patch.Type != nil && *patch.Type != "" {
			next.Type = *patch.Type
		}
		if patch.Importance != nil {
			next.Importance = clamp01(*patch.Importance)
		}
		if patch.Confidence != nil {
			next.Confidence = clamp01(*patch.Confidence)
		}
		if patch.Tags != nil {
			next.Tags = NormalizeTags(*patch.Tags)
		}
		if patch.Pinned != nil {
			next.Pinned = *patch.Pinned
		}
		if patch.Who != nil {
			next.Who = *patch.Who
		}
		if patch.Project != nil {
			next.Project = *patch.Project
		}

		if !contentChanged &&
			next.Type == cur.Type && next.Importance == cur.Importance &&
			next.Confidence == cur.Confidence && next.Tags == cur.Tags &&
			next.Pinned == cur.Pinned && next.Who == cur.Who && next.Project == cur.Project {
			res = MutationResult{ID: id, Status: StatusNoChanges, CurrentVersion: cur.Version}
			return nil
		}

		if contentChanged {
			// The partial unique index would reject the write anyway;
			// surface the collision as a status instead of a raw
			// constraint error.
			var clash string
			err := tx.QueryRow(
				"SELECT id FROM memories WHERE content_hash = ? AND is_deleted = 0 AND id != ?",
				next.ContentHash, id,
			).Scan(&clash)
			if err == nil {
				res = MutationResult{ID: id, Status: StatusDuplicate, CurrentVersion: cur.Version}
				return nil
			}
			if err != sql.ErrNoRows {
				return fmt.Errorf("hash collision check failed: %w", err)
			}
		}

		now := FormatTime(s.now())
		newVersion := cur.Version + 1
		embeddingModel := next.EmbeddingModel
		if contentChanged {
			embeddingModel = ""
		}
		_, err = tx.Exec(`UPDATE memories SET
			content = ?, content_hash = ?, type = ?, importance = ?, confidence = ?,
			tags = ?, pinned = ?, who = ?, project = ?, embedding_model = ?,
			version = ?, updated_at = ?
			WHERE id = ?`,
			next.Content, nullIfEmpty(next.ContentHash), next.Type, next.Importance, next.Confidence,
			next.Tags, boolToInt(next.Pinned), next.Who, next.Project, embeddingModel,
			newVersion, now, id,
		)
		if err != nil {
			return fmt.Errorf("memory update failed: %w", err)
		}

		if err := s.appendHistoryTx(tx, &HistoryEvent{
			MemoryID:    id,
			Kind:        EventUpdated,
			PrevContent: cur.Content,
			NextContent: next.Content,
			ChangedBy:   wc.Actor,
			Reason:      patch.Reason,
			ActorType:   defaultActorType(wc.ActorType),
			SessionKey:  wc.SessionKey,
			RequestID:   wc.RequestID,
		}); err != nil {
			return err
		}

		if contentChanged {
			if err := s.enqueueJobTx(tx, &Job{MemoryID: id, Type: JobEmbed}); err != nil {
				return err
			}
		}

		res = MutationResult{ID: id, Status: StatusUpdated, CurrentVersion: cur.Version, NewVersion: newVersion}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Forget soft-deletes a memory. Pinned rows require force. The
// tombstone keeps its hash column but leaves the live unique index.
func (s *Store) Forget(ctx context.Context, id, reason string, force bool, ifVersion *int64, wc WriteContext) (*MutationResult, error) {
	var res MutationResult
	err := s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		cur, err := getMemoryTx(tx, id)
		if err == sql.ErrNoRows {
			res = MutationResult{ID: id, Status: StatusNotFound}
			return nil
		}
		if err != nil {
			return err
		}
		if ifVersion != nil && *ifVersion != cur.Version {
			res = MutationResult{ID: id, Status: StatusVersionConflict, CurrentVersion: cur.Version}
			return nil
		}
		if cur.IsDeleted {
			res = MutationResult{ID: id, Status: StatusDeleted, CurrentVersion: cur.Version}
			return nil
		}
		if cur.Pinned && !force {
			res = MutationResult{ID: id, Status: StatusPinnedRequiresForce, CurrentVersion: cur.Version}
			return nil
		}

		now := FormatTime(s.now())
		newVersion := cur.Version + 1
		if _, err := tx.Exec(
			"UPDATE memories SET is_deleted = 1, deleted_at = ?, version = ?, updated_at = ? WHERE id = ?",
			now, newVersion, now, id,
		); err != nil {
			return fmt.Errorf("memory soft-delete failed: %w", err)
		}

		if err := s.appendHistoryTx(tx, &HistoryEvent{
			MemoryID:    id,
			Kind:        EventDeleted,
			PrevContent: cur.Content,
			ChangedBy:   wc.Actor,
			Reason:      reason,
			ActorType:   defaultActorType(wc.ActorType),
			SessionKey:  wc.SessionKey,
			RequestID:   wc.RequestID,
		}); err != nil {
			return err
		}

		res = MutationResult{ID: id, Status: StatusDeleted, CurrentVersion: newVersion, NewVersion: newVersion}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Recover reverses Forget for a still-retained tombstone.
func (s *Store) Recover(ctx context.Context, id, reason string, ifVersion *int64, wc WriteContext) (*MutationResult, error) {
	var res MutationResult
	err := s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		cur, err := getMemoryTx(tx, id)
		if err == sql.ErrNoRows {
			res = MutationResult{ID: id, Status: StatusNotFound}
			return nil
		}
		if err != nil {
			return err
		}
		if ifVersion != nil && *ifVersion != cur.Version {
			res = MutationResult{ID: id, Status: StatusVersionConflict, CurrentVersion: cur.Version}
			return nil
		}
		if !cur.IsDeleted {
			res = MutationResult{ID: id, Status: StatusNotDeleted, CurrentVersion: cur.Version}
			return nil
		}

		// A live row with the same content may have appeared while this
		// one was a tombstone.
		if cur.ContentHash != "" {
			var clash string
			err := tx.QueryRow(
				"SELECT id FROM memories WHERE content_hash = ? AND is_deleted = 0 AND id != ?",
				cur.ContentHash, id,
			).Scan(&clash)
			if err == nil {
				res = MutationResult{ID: id, Status: StatusDuplicate, CurrentVersion: cur.Version}
				return nil
			}
			if err != sql.ErrNoRows {
				return fmt.Errorf("hash collision check failed: %w", err)
			}
		}

		now := FormatTime(s.now())
		newVersion := cur.Version + 1
		if _, err := tx.Exec(
			"UPDATE memories SET is_deleted = 0, deleted_at = NULL, version = ?, updated_at = ? WHERE id = ?",
			newVersion, now, id,
		); err != nil {
			return fmt.Errorf("memory recover failed: %w", err)
		}

		if err := s.appendHistoryTx(tx, &HistoryEvent{
			MemoryID:    id,
			Kind:        EventRecovered,
			NextContent: cur.Content,
			ChangedBy:   wc.Actor,
			Reason:      reason,
			ActorType:   defaultActorType(wc.ActorType),
			SessionKey:  wc.SessionKey,
			RequestID:   wc.RequestID,
		}); err != nil {
			return err
		}

		res = MutationResult{ID: id, Status: StatusRecovered, CurrentVersion: newVersion, NewVersion: newVersion}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Get fetches one memory, tombstones included.
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	var m *Memory
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT %s FROM memories WHERE id = ?", memoryColumns), id)
		var err error
		m, err = scanMemory(row)
		if err == sql.ErrNoRows {
			return memerr.New(memerr.CodeNotFound, "memory %s not found", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMany fetches the given ids in one query. Missing ids are simply
// absent from the result map.
func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]*Memory, error) {
	out := make(map[string]*Memory, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := placeholderList(len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, fmt.Sprintf(
			"SELECT %s FROM memories WHERE id IN (%s)", memoryColumns, placeholders), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				return err
			}
			out[m.ID] = m
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListOptions filter List.
type ListOptions struct {
	Limit          int
	Offset         int
	Type           string
	Project        string
	IncludeDeleted bool
}

// List returns memories ordered by (updated_at desc, id asc).
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Memory, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	var conds []string
	var args []interface{}
	if !opts.IncludeDeleted {
		conds = append(conds, "is_deleted = 0")
	}
	if opts.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, opts.Type)
	}
	if opts.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, opts.Project)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, opts.Limit, opts.Offset)

	var out []*Memory
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, fmt.Sprintf(
			"SELECT %s FROM memories %s ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
			memoryColumns, where), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Touch bumps access counters for recall hits. Best-effort: coalesced
// into one statement, not transactional with the read that found them.
func (s *Store) Touch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, FormatTime(s.now()))
	for _, id := range ids {
		args = append(args, id)
	}
	return s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(fmt.Sprintf(
			"UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id IN (%s)",
			placeholders), args...)
		return err
	})
}

// SetEmbedded records which model embedded the memory body.
func (s *Store) SetEmbedded(ctx context.Context, id, model string) error {
	return s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE memories SET embedding_model = ? WHERE id = ?", model, id)
		return err
	})
}

// SetSignature attaches an identity signature to a stored memory. The
// signature covers the id and created_at, so it can only be computed
// after the insert assigned them; no version bump, the signature is
// metadata about the row, not a mutation of it.
func (s *Store) SetSignature(ctx context.Context, id, signature, signerDID string) error {
	return s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE memories SET signature = ?, signer_did = ? WHERE id = ?",
			signature, signerDID, id)
		return err
	})
}

// SetExtractionStatus transitions the extraction marker.
func (s *Store) SetExtractionStatus(ctx context.Context, id, status string) error {
	return s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE memories SET extraction_status = ? WHERE id = ?", status, id)
		return err
	})
}

// BatchModifyItem pairs a memory id with its patch.
type BatchModifyItem struct {
	ID    string
	Patch ModifyPatch
}

// BatchModify processes items independently; partial success is
// normal and reported per item.
func (s *Store) BatchModify(ctx context.Context, items []BatchModifyItem, wc WriteContext) ([]*MutationResult, error) {
	out := make([]*MutationResult, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.Modify(ctx, item.ID, item.Patch, wc)
		if err != nil {
			out = append(out, &MutationResult{ID: item.ID, Status: StatusNotFound})
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// BatchForget soft-deletes each id independently.
func (s *Store) BatchForget(ctx context.Context, ids []string, reason string, force bool, wc WriteContext) ([]*MutationResult, error) {
	out := make([]*MutationResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.Forget(ctx, id, reason, force, nil, wc)
		if err != nil {
			out = append(out, &MutationResult{ID: id, Status: StatusNotFound})
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

func getMemoryTx(tx *sql.Tx, id string) (*Memory, error) {
	row := tx.QueryRow(fmt.Sprintf("SELECT %s FROM memories WHERE id = ?", memoryColumns), id)
	return scanMemory(row)
}

func defaultActorType(t string) string {
	if t == "" {
		return ActorSystem
	}
	return t
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
