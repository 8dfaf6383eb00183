package store

import (
	"context"
	"testing"
	"time"
)

func TestJobLeaseCompleteLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &Job{Type: JobEmbed, MemoryID: "m-1"}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	leased, err := s.LeaseJobs(ctx, "worker-1", []string{JobEmbed}, 10, time.Minute)
	if err != nil {
		t.Fatalf("LeaseJobs failed: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("Leased = %d, want 1", len(leased))
	}
	got := leased[0]
	if got.LeaseID == "" || got.Attempts != 1 || got.Status != JobLeased {
		t.Errorf("Leased job = %+v", got)
	}

	// A leased job must not be leased again.
	again, _ := s.LeaseJobs(ctx, "worker-2", []string{JobEmbed}, 10, time.Minute)
	if len(again) != 0 {
		t.Errorf("Double lease returned %d jobs", len(again))
	}

	if err := s.CompleteJob(ctx, got.ID, got.LeaseID, `{"ok":true}`); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	final, _ := s.JobByID(ctx, got.ID)
	if final.Status != JobCompleted || final.CompletedAt == "" {
		t.Errorf("Final job = %+v", final)
	}
}

func TestJobRetriesThenDeadLetters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	job := &Job{Type: JobExtract, MemoryID: "m-1", MaxAttempts: 3}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		leased, err := s.LeaseJobs(ctx, "w", []string{JobExtract}, 1, time.Minute)
		if err != nil {
			t.Fatalf("LeaseJobs failed on attempt %d: %v", attempt, err)
		}
		if len(leased) != 1 {
			t.Fatalf("Attempt %d leased %d jobs", attempt, len(leased))
		}
		if leased[0].Attempts != attempt {
			t.Errorf("Attempt %d has attempts = %d", attempt, leased[0].Attempts)
		}
		if err := s.FailJob(ctx, leased[0].ID, leased[0].LeaseID, "model unavailable", "timeout"); err != nil {
			t.Fatalf("FailJob failed: %v", err)
		}
		// Jump past the maximum possible backoff so the retry is due.
		now = now.Add(10 * time.Minute)
	}

	final, _ := s.JobByID(ctx, job.ID)
	if final.Status != JobDead {
		t.Fatalf("Status after %d attempts = %q, want dead", final.Attempts, final.Status)
	}
	if final.LastError != "model unavailable" || final.LastErrorCode != "timeout" {
		t.Errorf("Dead job error = %q/%q", final.LastError, final.LastErrorCode)
	}

	dead, err := s.DeadJobs(ctx, 10)
	if err != nil {
		t.Fatalf("DeadJobs failed: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != job.ID {
		t.Errorf("Dead jobs = %+v", dead)
	}
}

func TestFailedJobNotDueUntilBackoffElapses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.EnqueueJob(ctx, &Job{ID: "j-1", Type: JobEmbed})
	leased, _ := s.LeaseJobs(ctx, "w", []string{JobEmbed}, 1, time.Minute)
	s.FailJob(ctx, leased[0].ID, leased[0].LeaseID, "boom", "internal")

	// Immediately after failure the retry is in the future.
	due, _ := s.LeaseJobs(ctx, "w", []string{JobEmbed}, 1, time.Minute)
	if len(due) != 0 {
		t.Errorf("Retry leased before backoff elapsed")
	}

	now = now.Add(10 * time.Minute)
	due, _ = s.LeaseJobs(ctx, "w", []string{JobEmbed}, 1, time.Minute)
	if len(due) != 1 {
		t.Errorf("Retry not leasable after backoff, got %d", len(due))
	}
}

func TestCompleteWithStaleLeaseFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.EnqueueJob(ctx, &Job{ID: "j-1", Type: JobEmbed})
	leased, _ := s.LeaseJobs(ctx, "w", []string{JobEmbed}, 1, time.Minute)

	if err := s.CompleteJob(ctx, leased[0].ID, "wrong-lease", ""); err == nil {
		t.Fatal("Complete with a stale lease id succeeded")
	}
}

func TestSweepExpiredLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.EnqueueJob(ctx, &Job{ID: "j-1", Type: JobEmbed})
	leased, _ := s.LeaseJobs(ctx, "w", []string{JobEmbed}, 1, time.Minute)

	// Lease still fresh: nothing to sweep.
	swept, err := s.SweepExpiredLeases(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if swept != 0 {
		t.Errorf("Fresh lease swept")
	}

	now = now.Add(2 * time.Minute)
	swept, err = s.SweepExpiredLeases(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("Swept = %d, want 1", swept)
	}

	j, _ := s.JobByID(ctx, leased[0].ID)
	if j.Status != JobRetryScheduled {
		t.Errorf("Status after sweep = %q, want retry_scheduled", j.Status)
	}
	// The crashed attempt stays consumed.
	if j.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", j.Attempts)
	}
}

func TestRetryDeadJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.EnqueueJob(ctx, &Job{ID: "j-1", Type: JobEmbed, MaxAttempts: 1})
	leased, _ := s.LeaseJobs(ctx, "w", []string{JobEmbed}, 1, time.Minute)
	s.FailJob(ctx, leased[0].ID, leased[0].LeaseID, "boom", "internal")

	j, _ := s.JobByID(ctx, "j-1")
	if j.Status != JobDead {
		t.Fatalf("Status = %q, want dead", j.Status)
	}

	if err := s.RetryDeadJob(ctx, "j-1"); err != nil {
		t.Fatalf("RetryDeadJob failed: %v", err)
	}
	j, _ = s.JobByID(ctx, "j-1")
	if j.Status != JobPending || j.Attempts != 0 {
		t.Errorf("Requeued job = %+v", j)
	}

	if err := s.RetryDeadJob(ctx, "j-1"); err == nil {
		t.Error("Retrying a non-dead job succeeded")
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	for attempts, base := range map[int]time.Duration{
		1: 5 * time.Second,
		2: 10 * time.Second,
		3: 20 * time.Second,
		9: 5 * time.Minute,
	} {
		d := retryDelay(attempts)
		if d < base {
			t.Errorf("retryDelay(%d) = %v, want >= %v", attempts, d, base)
		}
		if d > base+base/4 {
			t.Errorf("retryDelay(%d) = %v, want <= %v", attempts, d, base+base/4)
		}
	}
}
