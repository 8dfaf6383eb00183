package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertEntity inserts or refreshes an entity keyed by canonical name
// and returns its id. The display name keeps the first spelling seen.
// Mention counts are maintained by LinkMention, one per distinct
// mentioning memory.
func (s *Store) UpsertEntity(ctx context.Context, name, entityType string) (int64, error) {
	canonical := CanonicalEntityName(name)
	if canonical == "" {
		return 0, fmt.Errorf("entity name must not be empty")
	}

	var id int64
	err := s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.upsertEntityTx(tx, name, canonical, entityType)
		return err
	})
	return id, err
}

func (s *Store) upsertEntityTx(tx *sql.Tx, name, canonical, entityType string) (int64, error) {
	now := FormatTime(s.now())

	var id int64
	err := tx.QueryRow("SELECT id FROM entities WHERE canonical_name = ?", canonical).Scan(&id)
	if err == nil {
		_, err = tx.Exec("UPDATE entities SET updated_at = ? WHERE id = ?", now, id)
		return id, err
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	res, err := tx.Exec(
		`INSERT INTO entities (name, canonical_name, entity_type, mention_count, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		name, canonical, entityType, now, now)
	if err != nil {
		return 0, fmt.Errorf("entity insert failed: %w", err)
	}
	return res.LastInsertId()
}

// LinkMention attaches a memory to an entity and bumps the entity's
// mention count when the pair is new. Re-linking the same pair keeps
// the higher confidence and leaves the count alone, so a replayed
// extraction job stays idempotent.
func (s *Store) LinkMention(ctx context.Context, memoryID string, entityID int64, mentionText string, confidence float64) error {
	return s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return s.linkMentionTx(tx, memoryID, entityID, mentionText, confidence)
	})
}

func (s *Store) linkMentionTx(tx *sql.Tx, memoryID string, entityID int64, mentionText string, confidence float64) error {
	res, err := tx.Exec(
		`INSERT OR IGNORE INTO memory_entity_mentions (memory_id, entity_id, mention_text, confidence, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		memoryID, entityID, mentionText, clamp01(confidence), FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("mention link failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		// Mention counts track distinct mentioning memories, so the
		// count moves only when a link row actually lands.
		_, err = tx.Exec("UPDATE entities SET mention_count = mention_count + 1 WHERE id = ?", entityID)
		return err
	}
	_, err = tx.Exec(
		`UPDATE memory_entity_mentions SET
			confidence = MAX(confidence, ?),
			mention_text = ?
		WHERE memory_id = ? AND entity_id = ?`,
		clamp01(confidence), mentionText, memoryID, entityID)
	return err
}

// UpsertRelation records a typed directed edge. A repeated observation
// bumps the mention count and keeps the higher strength and confidence.
func (s *Store) UpsertRelation(ctx context.Context, sourceID, targetID int64, relationType string, strength, confidence float64) error {
	return s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return s.upsertRelationTx(tx, sourceID, targetID, relationType, strength, confidence)
	})
}

func (s *Store) upsertRelationTx(tx *sql.Tx, sourceID, targetID int64, relationType string, strength, confidence float64) error {
	_, err := tx.Exec(
		`INSERT INTO entity_relations (source_entity_id, target_entity_id, relation_type, strength, confidence, mention_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(source_entity_id, target_entity_id, relation_type) DO UPDATE SET
			strength = MAX(strength, excluded.strength),
			confidence = MAX(confidence, excluded.confidence),
			mention_count = mention_count + 1`,
		sourceID, targetID, relationType, clamp01(strength), clamp01(confidence))
	if err != nil {
		return fmt.Errorf("relation upsert failed: %w", err)
	}
	return nil
}

// ExtractedEntity is one entity observation from the extraction worker.
type ExtractedEntity struct {
	Name        string
	Type        string
	MentionText string
	Confidence  float64
}

// ExtractedRelation names its endpoints; ids are resolved at store time.
type ExtractedRelation struct {
	Source     string
	Target     string
	Type       string
	Strength   float64
	Confidence float64
}

// StoreExtraction persists one extraction result atomically: entities,
// mentions, relations, and the memory's extraction status flip.
func (s *Store) StoreExtraction(ctx context.Context, memoryID string, entities []ExtractedEntity, relations []ExtractedRelation) error {
	return s.accessor.WithWriteTx(ctx, func(tx *sql.Tx) error {
		ids := make(map[string]int64, len(entities))
		for _, e := range entities {
			canonical := CanonicalEntityName(e.Name)
			if canonical == "" {
				continue
			}
			id, err := s.upsertEntityTx(tx, e.Name, canonical, e.Type)
			if err != nil {
				return err
			}
			ids[canonical] = id
			if err := s.linkMentionTx(tx, memoryID, id, e.MentionText, e.Confidence); err != nil {
				return err
			}
		}
		for _, r := range relations {
			src, ok := ids[CanonicalEntityName(r.Source)]
			if !ok {
				continue
			}
			dst, ok := ids[CanonicalEntityName(r.Target)]
			if !ok || src == dst {
				continue
			}
			if err := s.upsertRelationTx(tx, src, dst, r.Type, r.Strength, r.Confidence); err != nil {
				return err
			}
		}
		_, err := tx.Exec("UPDATE memories SET extraction_status = ? WHERE id = ?", ExtractionDone, memoryID)
		return err
	})
}

// EntityByName looks an entity up by canonical name.
func (s *Store) EntityByName(ctx context.Context, name string) (*Entity, error) {
	var e Entity
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		var embHash sql.NullString
		return db.QueryRowContext(ctx,
			`SELECT id, name, canonical_name, entity_type, mention_count, embedding_hash, created_at, updated_at
			FROM entities WHERE canonical_name = ?`, CanonicalEntityName(name),
		).Scan(&e.ID, &e.Name, &e.CanonicalName, &e.Type, &e.MentionCount, &embHash, &e.CreatedAt, &e.UpdatedAt)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EntitiesForMemories maps memory ids to the entity ids they mention.
func (s *Store) EntitiesForMemories(ctx context.Context, memoryIDs []string) (map[string][]int64, error) {
	out := make(map[string][]int64)
	if len(memoryIDs) == 0 {
		return out, nil
	}
	placeholders := placeholderList(len(memoryIDs))
	args := make([]interface{}, len(memoryIDs))
	for i, id := range memoryIDs {
		args[i] = id
	}
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, fmt.Sprintf(
			"SELECT memory_id, entity_id FROM memory_entity_mentions WHERE memory_id IN (%s)",
			placeholders), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var memoryID string
			var entityID int64
			if err := rows.Scan(&memoryID, &entityID); err != nil {
				return err
			}
			out[memoryID] = append(out[memoryID], entityID)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Neighbors returns the entity ids one hop away from the given
// entities, in either edge direction.
func (s *Store) Neighbors(ctx context.Context, entityIDs []int64) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	if len(entityIDs) == 0 {
		return out, nil
	}
	placeholders := placeholderList(len(entityIDs))
	args := make([]interface{}, 0, len(entityIDs)*2)
	for _, id := range entityIDs {
		args = append(args, id)
	}
	for _, id := range entityIDs {
		args = append(args, id)
	}
	err := s.accessor.WithRead(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, fmt.Sprintf(
			`SELECT target_entity_id FROM entity_relations WHERE source_entity_id IN (%s)
			UNION
			SELECT source_entity_id FROM entity_relations WHERE target_entity_id IN (%s)`,
			placeholders, placeholders), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out[id] = struct{}{}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func placeholderList(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
