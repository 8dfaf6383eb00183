package store

import (
	"context"
	"testing"
)

func TestRememberCreatesVersionOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Remember(ctx, "the deploy script lives in tools/deploy", RememberOptions{
		Tags:  []string{"ops"},
		Write: WriteContext{Actor: "tester", ActorType: ActorUser},
	})
	if err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if res.Version != 1 || res.Deduped {
		t.Errorf("Result = %+v, want version 1, not deduped", res)
	}

	m, err := s.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if m.ContentHash == "" || m.Version != 1 {
		t.Errorf("Memory = %+v, want hash set and version 1", m)
	}

	events, err := s.History(ctx, res.ID, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventCreated {
		t.Fatalf("History = %+v, want one created event", events)
	}
	if events[0].ActorType != ActorUser || events[0].ChangedBy != "tester" {
		t.Errorf("Attribution = %s/%s", events[0].ActorType, events[0].ChangedBy)
	}
}

func TestRememberDedupesByContentHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Remember(ctx, "user prefers tabs", RememberOptions{Tags: []string{"style"}})
	if err != nil {
		t.Fatalf("First Remember failed: %v", err)
	}

	// Same content modulo whitespace: must merge, not insert.
	second, err := s.Remember(ctx, "  user  prefers tabs ", RememberOptions{Tags: []string{"prefs"}})
	if err != nil {
		t.Fatalf("Second Remember failed: %v", err)
	}
	if !second.Deduped || second.ID != first.ID {
		t.Fatalf("Second result = %+v, want dedupe onto %s", second, first.ID)
	}
	if second.Version != 1 {
		t.Errorf("Dedupe bumped version to %d", second.Version)
	}

	m, err := s.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if m.Tags != "prefs,style" {
		t.Errorf("Tags = %q, want merged %q", m.Tags, "prefs,style")
	}

	// Dedupe writes no history event; version must equal event count.
	n, err := s.HistoryCount(ctx, first.ID)
	if err != nil {
		t.Fatalf("HistoryCount failed: %v", err)
	}
	if n != m.Version {
		t.Errorf("History count %d != version %d", n, m.Version)
	}
}

func TestRememberIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Remember(ctx, "content A", RememberOptions{IdempotencyKey: "req-1"})
	if err != nil {
		t.Fatalf("First Remember failed: %v", err)
	}
	// Different content, same key: the key wins.
	second, err := s.Remember(ctx, "content B", RememberOptions{IdempotencyKey: "req-1"})
	if err != nil {
		t.Fatalf("Second Remember failed: %v", err)
	}
	if !second.Deduped || second.ID != first.ID {
		t.Errorf("Second result = %+v, want replay of %s", second, first.ID)
	}
}

func TestRememberRejectsEmptyContent(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Remember(context.Background(), "   \n  ", RememberOptions{}); err == nil {
		t.Fatal("Expected error for empty content")
	}
}

func TestModifyOptimisticLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Remember(ctx, "initial content", RememberOptions{})
	if err != nil {
		t.Fatalf("Remember failed: %v", err)
	}

	stale := int64(99)
	mr, err := s.Modify(ctx, res.ID, ModifyPatch{IfVersion: &stale}, WriteContext{})
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if mr.Status != StatusVersionConflict || mr.CurrentVersion != 1 {
		t.Errorf("Result = %+v, want version_conflict at version 1", mr)
	}

	good := int64(1)
	newContent := "revised content"
	mr, err = s.Modify(ctx, res.ID, ModifyPatch{Content: &newContent, IfVersion: &good, Reason: "test"}, WriteContext{Actor: "tester"})
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if mr.Status != StatusUpdated || mr.NewVersion != 2 {
		t.Errorf("Result = %+v, want updated to version 2", mr)
	}

	m, _ := s.Get(ctx, res.ID)
	if m.Content != "revised content" || m.Version != 2 {
		t.Errorf("Memory = %+v", m)
	}
	n, _ := s.HistoryCount(ctx, res.ID)
	if n != 2 {
		t.Errorf("History count = %d, want 2", n)
	}
}

func TestModifyNoChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, _ := s.Remember(ctx, "stable content", RememberOptions{})
	same := "stable content"
	mr, err := s.Modify(ctx, res.ID, ModifyPatch{Content: &same}, WriteContext{})
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if mr.Status != StatusNoChanges {
		t.Errorf("Status = %q, want no_changes", mr.Status)
	}
	n, _ := s.HistoryCount(ctx, res.ID)
	if n != 1 {
		t.Errorf("No-op wrote a history event, count = %d", n)
	}
}

func TestModifyContentChangeEnqueuesReembed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, _ := s.Remember(ctx, "old body", RememberOptions{})
	newContent := "new body"
	mr, err := s.Modify(ctx, res.ID, ModifyPatch{Content: &newContent}, WriteContext{})
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if mr.Status != StatusUpdated {
		t.Fatalf("Status = %q", mr.Status)
	}

	counts, err := s.JobCounts(ctx)
	if err != nil {
		t.Fatalf("JobCounts failed: %v", err)
	}
	if counts[JobPending] == 0 {
		t.Error("Content change enqueued no re-embed job")
	}
}

func TestModifyDuplicateContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Remember(ctx, "target content", RememberOptions{})
	other, _ := s.Remember(ctx, "other content", RememberOptions{})

	clash := "target content"
	mr, err := s.Modify(ctx, other.ID, ModifyPatch{Content: &clash}, WriteContext{})
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if mr.Status != StatusDuplicate {
		t.Errorf("Status = %q, want duplicate", mr.Status)
	}
}

func TestForgetPinnedRequiresForce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, _ := s.Remember(ctx, "pinned fact", RememberOptions{Pinned: true})

	mr, err := s.Forget(ctx, res.ID, "cleanup", false, nil, WriteContext{})
	if err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if mr.Status != StatusPinnedRequiresForce {
		t.Fatalf("Status = %q, want pinned_requires_force", mr.Status)
	}

	mr, err = s.Forget(ctx, res.ID, "cleanup", true, nil, WriteContext{})
	if err != nil {
		t.Fatalf("Forced Forget failed: %v", err)
	}
	if mr.Status != StatusDeleted || mr.NewVersion != 2 {
		t.Errorf("Result = %+v", mr)
	}
}

func TestForgetAndRecoverRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, _ := s.Remember(ctx, "recoverable fact", RememberOptions{})
	if _, err := s.Forget(ctx, res.ID, "oops", false, nil, WriteContext{}); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}

	m, _ := s.Get(ctx, res.ID)
	if !m.IsDeleted || m.DeletedAt == "" {
		t.Fatalf("Tombstone = %+v", m)
	}

	// A deleted row rejects further modification.
	newContent := "x"
	mr, _ := s.Modify(ctx, res.ID, ModifyPatch{Content: &newContent}, WriteContext{})
	if mr.Status != StatusDeleted {
		t.Errorf("Modify on tombstone = %q, want deleted", mr.Status)
	}

	rr, err := s.Recover(ctx, res.ID, "undo", nil, WriteContext{})
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if rr.Status != StatusRecovered || rr.NewVersion != 3 {
		t.Fatalf("Result = %+v", rr)
	}

	m, _ = s.Get(ctx, res.ID)
	if m.IsDeleted || m.DeletedAt != "" || m.Version != 3 {
		t.Errorf("Recovered memory = %+v", m)
	}
	n, _ := s.HistoryCount(ctx, res.ID)
	if n != 3 {
		t.Errorf("History count = %d, want 3", n)
	}
}

func TestRecoverBlockedByLiveDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, _ := s.Remember(ctx, "shared content", RememberOptions{})
	s.Forget(ctx, res.ID, "", false, nil, WriteContext{})

	// A fresh live row takes over the hash while the first is a tombstone.
	fresh, _ := s.Remember(ctx, "shared content", RememberOptions{})
	if fresh.Deduped {
		t.Fatal("New insert deduped onto a tombstone")
	}

	rr, err := s.Recover(ctx, res.ID, "", nil, WriteContext{})
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if rr.Status != StatusDuplicate {
		t.Errorf("Status = %q, want duplicate", rr.Status)
	}
}

func TestBatchForgetPartialSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Remember(ctx, "batch item a", RememberOptions{})
	pinned, _ := s.Remember(ctx, "batch item b", RememberOptions{Pinned: true})

	results, err := s.BatchForget(ctx, []string{a.ID, pinned.ID, "missing-id"}, "bulk", false, WriteContext{})
	if err != nil {
		t.Fatalf("BatchForget failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Results = %d, want 3", len(results))
	}
	if results[0].Status != StatusDeleted {
		t.Errorf("First status = %q", results[0].Status)
	}
	if results[1].Status != StatusPinnedRequiresForce {
		t.Errorf("Pinned status = %q", results[1].Status)
	}
	if results[2].Status != StatusNotFound {
		t.Errorf("Missing status = %q", results[2].Status)
	}
}

func TestTouchBumpsAccessCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, _ := s.Remember(ctx, "touched fact", RememberOptions{})
	if err := s.Touch(ctx, []string{res.ID}); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	m, _ := s.Get(ctx, res.ID)
	if m.AccessCount != 1 || m.LastAccessed == "" {
		t.Errorf("Memory = access_count %d, last_accessed %q", m.AccessCount, m.LastAccessed)
	}
	// Touch is not a mutation: no version bump, no history.
	if m.Version != 1 {
		t.Errorf("Touch bumped version to %d", m.Version)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Remember(ctx, "fact one", RememberOptions{Type: "fact"})
	s.Remember(ctx, "decision one", RememberOptions{Type: "decision"})
	del, _ := s.Remember(ctx, "gone", RememberOptions{})
	s.Forget(ctx, del.ID, "", false, nil, WriteContext{})

	all, err := s.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Live rows = %d, want 2", len(all))
	}

	decisions, _ := s.List(ctx, ListOptions{Type: "decision"})
	if len(decisions) != 1 || decisions[0].Type != "decision" {
		t.Errorf("Decisions = %+v", decisions)
	}

	withDeleted, _ := s.List(ctx, ListOptions{IncludeDeleted: true})
	if len(withDeleted) != 3 {
		t.Errorf("All rows = %d, want 3", len(withDeleted))
	}
}
