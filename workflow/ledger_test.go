package workflow

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/verify_backend/models"
	"bitbucket.org/mmdatafocus/verify_backend/utils"
)

// grantPoints posts a raw award so balances can be set up without incidents.
func grantPoints(t *testing.T, reg *Registry, userID string, amount int64) {
	t.Helper()
	err := reg.Store.RunInTx(context.Background(), func(tx models.StoreTx) error {
		rep, err := reg.Ledger.EnsureAccount(tx, userID)
		if err != nil {
			return err
		}
		return reg.Ledger.post(tx, rep, "", models.LedgerReasonReportVerified, amount, "")
	})
	if err != nil {
		t.Fatalf("grant %d to %s: %v", amount, userID, err)
	}
}

func TestRedeemReward(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()
	grantPoints(t, reg, "u1", 120)

	red, err := reg.RedeemReward(ctx, "u1", "gas-credit")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if red.NewBalance != 20 || red.Reference == "" {
		t.Fatalf("redemption: %+v", red)
	}
	rep := reputation(t, store, "u1")
	if rep.PointsBalance != 20 || rep.LifetimePoints != 120 || rep.Level != 2 {
		t.Fatalf("after redeem: balance=%d lifetime=%d level=%d", rep.PointsBalance, rep.LifetimePoints, rep.Level)
	}
	if got := ledgerReasons(t, store, "u1")[models.LedgerReasonRewardRedeemed]; got != -100 {
		t.Fatalf("reward_redeemed total: %d", got)
	}

	_, err = reg.RedeemReward(ctx, "u1", "coffee-voucher")
	var insufficient *utils.InsufficientPointsError
	if !errors.As(err, &insufficient) || insufficient.Balance != 20 {
		t.Fatalf("expected InsufficientPointsError, got %v", err)
	}
	if reputation(t, store, "u1").PointsBalance != 20 {
		t.Fatalf("failed redemption changed the balance")
	}

	var notFound *utils.NotFoundError
	if _, err := reg.RedeemReward(ctx, "u1", "yacht"); !errors.As(err, &notFound) || notFound.Resource != "reward" {
		t.Fatalf("expected reward NotFoundError, got %v", err)
	}
	if _, err := reg.RedeemReward(ctx, "ghost", "coffee-voucher"); !errors.As(err, &notFound) || notFound.Resource != "user" {
		t.Fatalf("expected user NotFoundError, got %v", err)
	}
	assertReconciled(t, store)
}

func TestRedeemReward_LevelGate(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	grantPoints(t, reg, "u1", 260)

	_, err := reg.RedeemReward(context.Background(), "u1", "gift-card")
	var vErr *utils.ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "reward_id" {
		t.Fatalf("expected level gate ValidationError, got %v", err)
	}
}

func TestLedger_TrustClampAndIdentityFloor(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	adjust := func(user string, delta int) int {
		t.Helper()
		var got int
		err := store.RunInTx(ctx, func(tx models.StoreTx) error {
			rep, err := reg.Ledger.AdjustTrust(tx, user, delta)
			if err != nil {
				return err
			}
			got = rep.TrustScore
			return nil
		})
		if err != nil {
			t.Fatalf("adjust trust: %v", err)
		}
		return got
	}

	if got := adjust("u1", 500); got != 100 {
		t.Fatalf("upper clamp: %d", got)
	}
	if got := adjust("u1", -500); got != 0 {
		t.Fatalf("lower clamp: %d", got)
	}

	view, err := reg.MarkIdentityVerified(ctx, "u1")
	if err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	if view.TrustScore != 60 || !view.IdentityVerified {
		t.Fatalf("verified view: %+v", view)
	}
	if got := adjust("u1", -30); got != 60 {
		t.Fatalf("verified floor: %d", got)
	}
	if got := adjust("u1", 5); got != 65 {
		t.Fatalf("raise above floor: %d", got)
	}

	// Marking again never lowers trust.
	if view, _ := reg.MarkIdentityVerified(ctx, "u1"); view.TrustScore != 65 {
		t.Fatalf("re-verify lowered trust to %d", view.TrustScore)
	}
	if reputation(t, store, "u1").PointsBalance != 0 {
		t.Fatalf("trust changes touched points")
	}
}
