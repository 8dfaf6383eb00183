package store

import (
	"context"
	"testing"
	"time"
)

func TestRetentionPurgesExpiredTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	old, _ := s.Remember(ctx, "old deleted fact", RememberOptions{})
	s.Forget(ctx, old.ID, "", false, nil, WriteContext{})

	fresh, _ := s.Remember(ctx, "fresh deleted fact", RememberOptions{})
	live, _ := s.Remember(ctx, "still live fact", RememberOptions{})

	// The old tombstone ages past the window; the fresh one does not.
	now = now.Add(31 * 24 * time.Hour)
	s.Forget(ctx, fresh.ID, "", false, nil, WriteContext{})

	sum, err := s.RunRetention(ctx, RetentionPolicy{TombstoneWindow: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("RunRetention failed: %v", err)
	}
	if sum.TombstonesPurged != 1 {
		t.Fatalf("TombstonesPurged = %d, want 1", sum.TombstonesPurged)
	}

	if _, err := s.Get(ctx, old.ID); err == nil {
		t.Error("Expired tombstone still present")
	}
	if n, _ := s.HistoryCount(ctx, old.ID); n != 0 {
		t.Errorf("Purged row kept %d history events", n)
	}

	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Error("In-window tombstone was purged")
	}
	if _, err := s.Get(ctx, live.ID); err != nil {
		t.Error("Live row was purged")
	}
}

func TestRetentionNeverPurgesPinnedTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	pinned, _ := s.Remember(ctx, "pinned then deleted", RememberOptions{Pinned: true})
	s.Forget(ctx, pinned.ID, "", true, nil, WriteContext{})

	now = now.Add(365 * 24 * time.Hour)
	sum, err := s.RunRetention(ctx, RetentionPolicy{TombstoneWindow: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("RunRetention failed: %v", err)
	}
	if sum.TombstonesPurged != 0 {
		t.Errorf("Pinned tombstone purged")
	}
	if _, err := s.Get(ctx, pinned.ID); err != nil {
		t.Error("Pinned tombstone removed")
	}
}

func TestRetentionPrunesOldHistoryButKeepsCreated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	res, _ := s.Remember(ctx, "long lived fact", RememberOptions{})
	c1 := "long lived fact, revised"
	s.Modify(ctx, res.ID, ModifyPatch{Content: &c1}, WriteContext{})

	now = now.Add(100 * 24 * time.Hour)
	c2 := "long lived fact, revised twice"
	s.Modify(ctx, res.ID, ModifyPatch{Content: &c2}, WriteContext{})

	sum, err := s.RunRetention(ctx, RetentionPolicy{HistoryWindow: 90 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("RunRetention failed: %v", err)
	}
	if sum.HistoryPurged != 1 {
		t.Fatalf("HistoryPurged = %d, want 1 (the old updated event)", sum.HistoryPurged)
	}

	events, _ := s.History(ctx, res.ID, 10)
	if len(events) != 2 {
		t.Fatalf("Events = %d, want 2", len(events))
	}
	// The created event survives regardless of age.
	last := events[len(events)-1]
	if last.Kind != EventCreated {
		t.Errorf("Oldest surviving event = %q, want created", last.Kind)
	}
}

func TestRetentionPurgesAgedTerminalJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.EnqueueJob(ctx, &Job{ID: "done-old", Type: JobEmbed})
	leased, _ := s.LeaseJobs(ctx, "w", []string{JobEmbed}, 1, time.Minute)
	s.CompleteJob(ctx, leased[0].ID, leased[0].LeaseID, "")

	s.EnqueueJob(ctx, &Job{ID: "dead-old", Type: JobExtract, MaxAttempts: 1})
	leased, _ = s.LeaseJobs(ctx, "w", []string{JobExtract}, 1, time.Minute)
	s.FailJob(ctx, leased[0].ID, leased[0].LeaseID, "boom", "internal")

	now = now.Add(60 * 24 * time.Hour)
	s.EnqueueJob(ctx, &Job{ID: "pending-new", Type: JobEmbed})

	sum, err := s.RunRetention(ctx, RetentionPolicy{
		CompletedJobWindow: 7 * 24 * time.Hour,
		DeadJobWindow:      30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("RunRetention failed: %v", err)
	}
	if sum.CompletedJobsPurged != 1 || sum.DeadJobsPurged != 1 {
		t.Errorf("Summary = %+v", sum)
	}

	if j, _ := s.JobByID(ctx, "pending-new"); j == nil {
		t.Error("Pending job purged")
	}
	if j, _ := s.JobByID(ctx, "done-old"); j != nil {
		t.Error("Aged completed job survived")
	}
}

func TestRetentionRemovesOrphanedEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	gone, _ := s.Remember(ctx, "bob owns the legacy importer", RememberOptions{})
	stay, _ := s.Remember(ctx, "bob also reviews migrations", RememberOptions{})
	s.StoreExtraction(ctx, gone.ID,
		[]ExtractedEntity{{Name: "Bob", Confidence: 1}, {Name: "Legacy Importer", Confidence: 1}},
		[]ExtractedRelation{{Source: "Bob", Target: "Legacy Importer", Type: "owns", Strength: 1, Confidence: 1}})
	s.StoreExtraction(ctx, stay.ID, []ExtractedEntity{{Name: "Bob", Confidence: 1}}, nil)

	s.Forget(ctx, gone.ID, "", false, nil, WriteContext{})
	now = now.Add(31 * 24 * time.Hour)

	sum, err := s.RunRetention(ctx, RetentionPolicy{TombstoneWindow: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("RunRetention failed: %v", err)
	}
	if sum.EntitiesOrphaned != 1 {
		t.Errorf("EntitiesOrphaned = %d, want 1", sum.EntitiesOrphaned)
	}

	// Bob is still mentioned by the live memory; the importer is gone
	// and the relation with it.
	if e, _ := s.EntityByName(ctx, "bob"); e == nil {
		t.Error("Shared entity removed")
	}
	if e, _ := s.EntityByName(ctx, "legacy importer"); e != nil {
		t.Error("Orphaned entity survived")
	}
}

// After a sweep, every surviving entity's mention count must equal its
// surviving mention rows; purging a mentioning memory adjusts the count.
func TestRetentionRecomputesMentionCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	gone, _ := s.Remember(ctx, "carol tuned the scheduler", RememberOptions{})
	stay, _ := s.Remember(ctx, "carol rewrote the scheduler docs", RememberOptions{})
	s.StoreExtraction(ctx, gone.ID, []ExtractedEntity{{Name: "Carol", Confidence: 1}}, nil)
	s.StoreExtraction(ctx, stay.ID, []ExtractedEntity{{Name: "Carol", Confidence: 1}}, nil)

	if e, _ := s.EntityByName(ctx, "carol"); e == nil || e.MentionCount != 2 {
		t.Fatalf("Entity before sweep = %+v, want mention count 2", e)
	}

	s.Forget(ctx, gone.ID, "", false, nil, WriteContext{})
	now = now.Add(31 * 24 * time.Hour)

	if _, err := s.RunRetention(ctx, RetentionPolicy{TombstoneWindow: 30 * 24 * time.Hour}); err != nil {
		t.Fatalf("RunRetention failed: %v", err)
	}

	e, err := s.EntityByName(ctx, "carol")
	if err != nil {
		t.Fatalf("EntityByName failed: %v", err)
	}
	if e == nil {
		t.Fatal("Entity with a surviving mention was removed")
	}

	var rows int64
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM memory_entity_mentions WHERE entity_id = ?", e.ID,
	).Scan(&rows); err != nil {
		t.Fatalf("Mention row query failed: %v", err)
	}
	if e.MentionCount != rows || rows != 1 {
		t.Errorf("MentionCount = %d, mention rows = %d, want both 1", e.MentionCount, rows)
	}
}

func TestRetentionDropsUnreferencedEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	res, _ := s.Remember(ctx, "vectorised fact", RememberOptions{})
	m, _ := s.Get(ctx, res.ID)
	err := s.UpsertEmbedding(ctx, &Embedding{
		ContentHash: m.ContentHash,
		Vector:      []float32{0.1, 0.2, 0.3},
		Model:       "test-model",
	})
	if err != nil {
		t.Fatalf("UpsertEmbedding failed: %v", err)
	}

	s.Forget(ctx, res.ID, "", false, nil, WriteContext{})
	now = now.Add(31 * 24 * time.Hour)

	if _, err := s.RunRetention(ctx, RetentionPolicy{TombstoneWindow: 30 * 24 * time.Hour}); err != nil {
		t.Fatalf("RunRetention failed: %v", err)
	}

	e, err := s.EmbeddingByHash(ctx, m.ContentHash)
	if err != nil {
		t.Fatalf("EmbeddingByHash failed: %v", err)
	}
	if e != nil {
		t.Error("Orphaned embedding survived the sweep")
	}
}
