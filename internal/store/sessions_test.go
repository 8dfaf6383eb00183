package store

import (
	"context"
	"testing"
)

func TestClaimSessionIsIdempotentPerRuntimePath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.ClaimSession(ctx, &Session{SessionKey: "sess-1", RuntimePath: "pipeline", Harness: "cli"})
	if err != nil {
		t.Fatalf("ClaimSession failed: %v", err)
	}
	if first.State != SessionClaimed || first.ClaimedAt == "" {
		t.Errorf("Claim = %+v", first)
	}

	// Re-claiming with the same path replays the claim.
	again, err := s.ClaimSession(ctx, &Session{SessionKey: "sess-1", RuntimePath: "pipeline"})
	if err != nil {
		t.Fatalf("Re-claim failed: %v", err)
	}
	if again.ClaimedAt != first.ClaimedAt {
		t.Errorf("Re-claim changed claimed_at: %q vs %q", again.ClaimedAt, first.ClaimedAt)
	}

	// A different runtime path must be rejected for the session's life.
	if _, err := s.ClaimSession(ctx, &Session{SessionKey: "sess-1", RuntimePath: "legacy"}); err == nil {
		t.Fatal("Cross-path claim succeeded")
	}
}

func TestEndSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.ClaimSession(ctx, &Session{SessionKey: "sess-1", RuntimePath: "pipeline"})
	if err := s.EndSession(ctx, "sess-1"); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	sess, err := s.SessionByKey(ctx, "sess-1")
	if err != nil {
		t.Fatalf("SessionByKey failed: %v", err)
	}
	if sess.State != SessionEnded || sess.EndedAt == "" {
		t.Errorf("Session = %+v", sess)
	}

	// Ending again is a no-op.
	if err := s.EndSession(ctx, "sess-1"); err != nil {
		t.Fatalf("Second EndSession failed: %v", err)
	}

	// Even ended, the key stays bound to its path.
	if _, err := s.ClaimSession(ctx, &Session{SessionKey: "sess-1", RuntimePath: "legacy"}); err == nil {
		t.Error("Ended session re-claimed by another path")
	}
}

func TestSessionByKeyAbsent(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.SessionByKey(context.Background(), "nope")
	if err != nil {
		t.Fatalf("SessionByKey failed: %v", err)
	}
	if sess != nil {
		t.Errorf("Session = %+v, want nil", sess)
	}
}
