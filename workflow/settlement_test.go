package workflow

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/models"
)

func trustOf(t *testing.T, store models.Store, userID string) int {
	t.Helper()
	return reputation(t, store, userID).TrustScore
}

func TestSettleIncident_MovesTrustOncePerVote(t *testing.T) {
	reg, store, clock := newTestRegistry(t)
	ctx := context.Background()
	inc := submitIncident(t, reg, "r1", models.UrgencyMedium)
	vote(t, reg, inc.ID, "a", models.VerdictTrue)
	vote(t, reg, inc.ID, "b", models.VerdictTrue)
	vote(t, reg, inc.ID, "c", models.VerdictFalse)

	clock.Advance(time.Hour)
	if ok, err := reg.SettleIncident(ctx, inc.ID); err != nil || ok {
		t.Fatalf("settled inside the resolution window: ok=%v err=%v", ok, err)
	}

	clock.Advance(24 * time.Hour)
	worker := NewSettlementWorker(reg, nil)
	n, err := worker.SettleOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("settle once: n=%d err=%v", n, err)
	}
	for user, want := range map[string]int{"a": 52, "b": 52, "c": 47} {
		if got := trustOf(t, store, user); got != want {
			t.Fatalf("%s trust: got %d want %d", user, got, want)
		}
	}
	// Trust never touches points.
	if got := reputation(t, store, "c").PointsBalance; got != 10 {
		t.Fatalf("c balance: %d", got)
	}

	if n, _ := worker.SettleOnce(ctx); n != 0 {
		t.Fatalf("incident settled twice")
	}

	clock.Advance(time.Minute)
	vote(t, reg, inc.ID, "d", models.VerdictTrue)
	clock.Advance(25 * time.Hour)
	if ok, err := reg.SettleIncident(ctx, inc.ID); err != nil || !ok {
		t.Fatalf("second settlement: ok=%v err=%v", ok, err)
	}
	for user, want := range map[string]int{"a": 52, "c": 47, "d": 52} {
		if got := trustOf(t, store, user); got != want {
			t.Fatalf("%s trust after late vote: got %d want %d", user, got, want)
		}
	}
	assertReconciled(t, store)
}

func TestSettleIncident_NoMajorityMovesNobody(t *testing.T) {
	reg, store, clock := newTestRegistry(t)
	inc := submitIncident(t, reg, "r1", models.UrgencyMedium)
	vote(t, reg, inc.ID, "a", models.VerdictTrue)
	vote(t, reg, inc.ID, "b", models.VerdictFalse)

	clock.Advance(48 * time.Hour)
	ok, err := reg.SettleIncident(context.Background(), inc.ID)
	if err != nil || !ok {
		t.Fatalf("settle: ok=%v err=%v", ok, err)
	}
	if trustOf(t, store, "a") != 50 || trustOf(t, store, "b") != 50 {
		t.Fatalf("trust moved without a winning bucket")
	}
}

func TestSettleIncident_IdentityFloor(t *testing.T) {
	reg, store, clock := newTestRegistry(t)
	ctx := context.Background()
	inc := submitIncident(t, reg, "r1", models.UrgencyMedium)
	vote(t, reg, inc.ID, "a", models.VerdictTrue)
	vote(t, reg, inc.ID, "b", models.VerdictTrue)
	vote(t, reg, inc.ID, "c", models.VerdictFalse)
	if _, err := reg.MarkIdentityVerified(ctx, "c"); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	if got := trustOf(t, store, "c"); got != 60 {
		t.Fatalf("verified trust: %d", got)
	}

	clock.Advance(25 * time.Hour)
	if _, err := reg.SettleIncident(ctx, inc.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := trustOf(t, store, "c"); got != 60 {
		t.Fatalf("penalty went below the verified floor: %d", got)
	}
}

func TestSettleIncident_UnknownAndPending(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.SettleIncident(ctx, "missing"); err == nil {
		t.Fatalf("expected NotFoundError")
	}
	inc := submitIncident(t, reg, "r1", models.UrgencyLow)
	vote(t, reg, inc.ID, "a", models.VerdictTrue)
	clock.Advance(48 * time.Hour)
	if ok, err := reg.SettleIncident(ctx, inc.ID); err != nil || ok {
		t.Fatalf("pending incident settled: ok=%v err=%v", ok, err)
	}
}
