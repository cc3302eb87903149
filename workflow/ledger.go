package workflow

import (
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/config"
	"bitbucket.org/mmdatafocus/verify_backend/models"
	"bitbucket.org/mmdatafocus/verify_backend/utils"
)

// Ledger is the reputation bookkeeper. Every points change is an appended
// ledger entry plus the matching balance update in the same transaction; it
// knows nothing about incidents beyond the id it stamps on entries.
type Ledger struct {
	Settings config.EngineSettings
	Now      func() time.Time
}

func NewLedger(settings config.EngineSettings) *Ledger {
	return &Ledger{Settings: settings}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// TrustFloor is the lowest trust a user can settle to.
func (l *Ledger) TrustFloor(rep *models.UserReputation) int {
	if rep.IdentityVerified {
		return l.Settings.VerifiedTrustFloor
	}
	return 0
}

// EnsureAccount returns the user's locked reputation row, creating it at the baseline if absent.
func (l *Ledger) EnsureAccount(tx models.StoreTx, userID string) (*models.UserReputation, error) {
	rep, err := tx.FindReputation(userID)
	if err != nil {
		return nil, err
	}
	if rep != nil {
		return rep, nil
	}
	now := l.now()
	if err := tx.CreateReputation(&models.UserReputation{
		UserID:     userID,
		TrustScore: l.Settings.BaselineTrust,
		Level:      1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		return nil, err
	}
	rep, err = tx.FindReputation(userID)
	if err != nil {
		return nil, err
	}
	if rep == nil {
		return nil, fmt.Errorf("reputation for %q missing after create", userID)
	}
	return rep, nil
}

// checkBalance enforces the reconciliation invariant before any award.
// A frozen account is refused outright rather than voting without awards:
// its trust would still move the tally, and the skipped cast award could never
// be paid later without breaking once-per-vote accounting.
func (l *Ledger) checkBalance(tx models.StoreTx, rep *models.UserReputation) error {
	if rep.Frozen {
		return &utils.ReconciliationError{UserID: rep.UserID, Balance: rep.PointsBalance, LedgerSum: rep.PointsBalance, Frozen: true}
	}
	sum, err := tx.SumLedger(rep.UserID)
	if err != nil {
		return err
	}
	if sum != rep.PointsBalance {
		return &utils.ReconciliationError{UserID: rep.UserID, Balance: rep.PointsBalance, LedgerSum: sum}
	}
	return nil
}

func (l *Ledger) post(tx models.StoreTx, rep *models.UserReputation, incidentID string, reason models.LedgerReason, amount int64, reference string) error {
	if err := l.checkBalance(tx, rep); err != nil {
		return err
	}
	now := l.now()
	if err := tx.AppendLedgerEntry(&models.PointsLedgerEntry{
		UserID:     rep.UserID,
		IncidentID: incidentID,
		Reason:     reason,
		Reference:  reference,
		Amount:     amount,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	rep.PointsBalance += amount
	if amount > 0 {
		rep.LifetimePoints += amount
	}
	rep.Level = models.LevelFor(rep.LifetimePoints, l.Settings.PointsPerLevel)
	rep.UpdatedAt = now
	return tx.UpdateReputation(rep)
}

// RecordReportSubmitted credits the flat submission award.
func (l *Ledger) RecordReportSubmitted(tx models.StoreTx, userID, incidentID string) error {
	rep, err := l.EnsureAccount(tx, userID)
	if err != nil {
		return err
	}
	rep.ReportsSubmitted++
	return l.post(tx, rep, incidentID, models.LedgerReasonReportSubmitted, l.Settings.PointsReportSubmitted, "")
}

// RecordVerificationCast credits participation; called once per new vote.
func (l *Ledger) RecordVerificationCast(tx models.StoreTx, userID, incidentID string) error {
	rep, err := l.EnsureAccount(tx, userID)
	if err != nil {
		return err
	}
	rep.VerificationsCast++
	return l.post(tx, rep, incidentID, models.LedgerReasonVerificationCast, l.Settings.PointsVerificationCast, "")
}

// CreditAccuracy awards verification_accurate at most once per (user, incident).
func (l *Ledger) CreditAccuracy(tx models.StoreTx, userID, incidentID string) (bool, error) {
	done, err := tx.HasLedgerEntry(userID, incidentID, models.LedgerReasonVerificationAccurate)
	if err != nil || done {
		return false, err
	}
	rep, err := l.EnsureAccount(tx, userID)
	if err != nil {
		return false, err
	}
	rep.AccurateVerifications++
	if err := l.post(tx, rep, incidentID, models.LedgerReasonVerificationAccurate, l.Settings.PointsVerificationAccurate, ""); err != nil {
		return false, err
	}
	return true, nil
}

// AwardReportVerified pays the reporter bonus at most once per incident.
func (l *Ledger) AwardReportVerified(tx models.StoreTx, reporterID, incidentID string) (bool, error) {
	done, err := tx.HasLedgerEntry(reporterID, incidentID, models.LedgerReasonReportVerified)
	if err != nil || done {
		return false, err
	}
	rep, err := l.EnsureAccount(tx, reporterID)
	if err != nil {
		return false, err
	}
	if err := l.post(tx, rep, incidentID, models.LedgerReasonReportVerified, l.Settings.PointsReportVerified, ""); err != nil {
		return false, err
	}
	return true, nil
}

// AdjustTrust moves trust by delta, clamped to [floor, 100]. Points are untouched.
func (l *Ledger) AdjustTrust(tx models.StoreTx, userID string, delta int) (*models.UserReputation, error) {
	rep, err := l.EnsureAccount(tx, userID)
	if err != nil {
		return nil, err
	}
	next := rep.TrustScore + delta
	if floor := l.TrustFloor(rep); next < floor {
		next = floor
	}
	if next > 100 {
		next = 100
	}
	if next == rep.TrustScore {
		return rep, nil
	}
	rep.TrustScore = next
	rep.UpdatedAt = l.now()
	return rep, tx.UpdateReputation(rep)
}

// Redeem debits reward.PointsCost as a reward_redeemed entry. Level comes from
// lifetime points, so spending never lowers it.
func (l *Ledger) Redeem(tx models.StoreTx, rep *models.UserReputation, reward models.Reward, reference string) error {
	if reward.MinLevel > 0 && rep.Level < reward.MinLevel {
		return utils.NewValidationError("reward_id", fmt.Sprintf("requires level %d", reward.MinLevel))
	}
	if err := l.checkBalance(tx, rep); err != nil {
		return err
	}
	if rep.PointsBalance < reward.PointsCost {
		return &utils.InsufficientPointsError{UserID: rep.UserID, Balance: rep.PointsBalance, Requested: reward.PointsCost}
	}
	return l.post(tx, rep, "", models.LedgerReasonRewardRedeemed, -reward.PointsCost, reference)
}

// MarkIdentityVerified raises the user's trust to the verified floor if below it.
func (l *Ledger) MarkIdentityVerified(tx models.StoreTx, userID string) (*models.UserReputation, error) {
	rep, err := l.EnsureAccount(tx, userID)
	if err != nil {
		return nil, err
	}
	rep.IdentityVerified = true
	if rep.TrustScore < l.Settings.VerifiedTrustFloor {
		rep.TrustScore = l.Settings.VerifiedTrustFloor
	}
	rep.UpdatedAt = l.now()
	return rep, tx.UpdateReputation(rep)
}

// Freeze halts awards for the user and files a report. Already frozen
// accounts are left as they are; the bool reports whether this call froze it.
func (l *Ledger) Freeze(tx models.StoreTx, userID string, balance, ledgerSum int64, correlationId string) (bool, error) {
	rep, err := tx.FindReputation(userID)
	if err != nil {
		return false, err
	}
	if rep == nil {
		return false, &utils.NotFoundError{Resource: "user", ID: userID}
	}
	if rep.Frozen {
		return false, nil
	}
	now := l.now()
	rep.Frozen = true
	rep.FrozenAt = &now
	rep.UpdatedAt = now
	if err := tx.UpdateReputation(rep); err != nil {
		return false, err
	}
	return true, tx.CreateReconciliationReport(&models.ReconciliationReport{
		CheckType:     models.ReconciliationCheckLedgerBalance,
		EntityType:    "UserReputation",
		EntityId:      userID,
		Details:       fmt.Sprintf("points_balance=%d ledger_sum=%d; awards frozen", balance, ledgerSum),
		CorrelationId: correlationId,
		CreatedAt:     now,
	})
}

// Unfreeze resumes awards. The ledger is authoritative: a balance that still
// disagrees with it is reset to the ledger sum and the correction reported.
func (l *Ledger) Unfreeze(tx models.StoreTx, userID string, correlationId string) (*models.UserReputation, error) {
	rep, err := tx.FindReputation(userID)
	if err != nil {
		return nil, err
	}
	if rep == nil {
		return nil, &utils.NotFoundError{Resource: "user", ID: userID}
	}
	sum, err := tx.SumLedger(userID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	if sum != rep.PointsBalance {
		if err := tx.CreateReconciliationReport(&models.ReconciliationReport{
			CheckType:     models.ReconciliationCheckLedgerBalance,
			EntityType:    "UserReputation",
			EntityId:      userID,
			Details:       fmt.Sprintf("points_balance reset from %d to ledger_sum=%d on unfreeze", rep.PointsBalance, sum),
			CorrelationId: correlationId,
			CreatedAt:     now,
		}); err != nil {
			return nil, err
		}
		rep.PointsBalance = sum
	}
	rep.Frozen = false
	rep.FrozenAt = nil
	rep.UpdatedAt = now
	return rep, tx.UpdateReputation(rep)
}
