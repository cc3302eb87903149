package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/verify_backend/models"
	"github.com/sirupsen/logrus"
)

// ReconciliationSummary is the outcome of one ledger sweep.
type ReconciliationSummary struct {
	Mismatches  []models.LedgerMismatch `json:"mismatches"`
	NewlyFrozen int                     `json:"newly_frozen"`
}

// RunReconciliationChecks compares every balance with its ledger sum and
// freezes the accounts that disagree, writing a report for each newly frozen one.
func (r *Registry) RunReconciliationChecks(ctx context.Context) (*ReconciliationSummary, error) {
	mismatches, err := r.Store.ListLedgerMismatches(ctx)
	if err != nil {
		return nil, err
	}
	summary := &ReconciliationSummary{Mismatches: mismatches}
	correlationId := correlationIdFromContextOrNew(ctx)
	var users []string
	for _, m := range mismatches {
		m := m
		var frozen bool
		err := r.Store.RunInTx(ctx, func(tx models.StoreTx) error {
			var err error
			frozen, err = r.Ledger.Freeze(tx, m.UserID, m.Balance, m.LedgerSum, correlationId)
			return err
		})
		if err != nil {
			return summary, err
		}
		if frozen {
			summary.NewlyFrozen++
			users = append(users, m.UserID)
		}
	}
	if r.Cache != nil && len(users) > 0 {
		r.Cache.Invalidate(ctx, nil, users)
	}
	if r.Logger != nil && len(mismatches) > 0 {
		r.Logger.WithFields(logrus.Fields{
			"field":          "RunReconciliationChecks",
			"mismatches":     len(mismatches),
			"newly_frozen":   summary.NewlyFrozen,
			"correlation_id": correlationId,
		}).Warn("points ledger drift detected")
	}
	return summary, nil
}
