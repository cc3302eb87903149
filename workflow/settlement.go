package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/config"
	"bitbucket.org/mmdatafocus/verify_backend/models"
	"bitbucket.org/mmdatafocus/verify_backend/utils"
	"github.com/sirupsen/logrus"
)

// SettleIncident moves voter trust once the incident has gone quiet for the
// resolution window. Each vote is settled once: voters in the winning bucket
// gain TrustReward, the rest lose TrustPenalty. With no winning bucket nobody
// moves. The bool reports whether the incident was settled by this call.
func (r *Registry) SettleIncident(ctx context.Context, id string) (bool, error) {
	release, err := r.Locker.Acquire(ctx, id)
	if err != nil {
		return false, err
	}
	defer release()

	now := r.now()
	cutoff := now.Add(-r.Settings.ResolutionWindow)
	var (
		settled bool
		dirty   touched
	)
	err = r.Store.RunInTx(ctx, func(tx models.StoreTx) error {
		settled = false
		dirty = touched{}
		inc, err := tx.GetIncidentForUpdate(id)
		if err != nil {
			if utils.IsNotFound(err) {
				return &utils.NotFoundError{Resource: "incident", ID: id}
			}
			return err
		}
		if inc.Status == models.IncidentStatusPending || inc.LastVoteAt == nil || inc.LastVoteAt.After(cutoff) {
			return nil
		}
		if inc.LastSettledAt != nil && !inc.LastSettledAt.Before(*inc.LastVoteAt) {
			return nil
		}

		votes, err := tx.ListVerifications(inc.ID)
		if err != nil {
			return err
		}
		voters := make([]string, 0, len(votes))
		for _, v := range votes {
			voters = append(voters, v.VoterID)
		}
		reps, err := tx.LockReputations(voters)
		if err != nil {
			return err
		}
		weighted := make([]WeightedVote, 0, len(votes))
		for _, v := range votes {
			trust := r.Settings.BaselineTrust
			if rep, ok := reps[v.VoterID]; ok {
				trust = rep.TrustScore
			}
			weighted = append(weighted, WeightedVote{VoterID: v.VoterID, Verdict: v.Verdict, Trust: trust})
		}
		// Deltas are decided on the pre-settlement trust of every voter.
		tally := r.Aggregator.Compute(inc.Urgency, weighted)
		if tally.Winner != "" {
			for _, v := range votes {
				if inc.LastSettledAt != nil && !v.CastAt.After(*inc.LastSettledAt) {
					continue
				}
				delta := -r.Settings.TrustPenalty
				if v.Verdict == tally.Winner {
					delta = r.Settings.TrustReward
				}
				if _, err := r.Ledger.AdjustTrust(tx, v.VoterID, delta); err != nil {
					return err
				}
				dirty.user(v.VoterID)
			}
		}
		inc.LastSettledAt = &now
		inc.UpdatedAt = now
		if err := tx.UpdateIncident(inc); err != nil {
			return err
		}
		dirty.incident(inc.ID)
		settled = true
		return nil
	})
	if err != nil {
		return false, r.afterFailure(ctx, "SettleIncident", id, err)
	}
	dirty.flush(ctx, r.Cache)
	return settled, nil
}

// SettlementWorker periodically settles quiet incidents. It polls like the
// outbox dispatcher and is safe to run on every replica.
type SettlementWorker struct {
	Registry     *Registry
	Logger       *logrus.Logger
	BatchSize    int
	PollInterval time.Duration
}

func NewSettlementWorker(registry *Registry, logger *logrus.Logger) *SettlementWorker {
	return &SettlementWorker{
		Registry:     registry,
		Logger:       logger,
		BatchSize:    100,
		PollInterval: time.Minute,
	}
}

// SettleOnce settles one batch and returns how many incidents were settled.
func (w *SettlementWorker) SettleOnce(ctx context.Context) (int, error) {
	r := w.Registry
	due, err := r.Store.ListSettleableIncidents(ctx, r.now().Add(-r.Settings.ResolutionWindow), w.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, inc := range due {
		ok, err := r.SettleIncident(ctx, inc.ID)
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			if w.Logger != nil {
				config.LogError(w.Logger, "SettlementWorker", "SettleOnce", "settle incident", inc.ID, err)
			}
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (w *SettlementWorker) Run(ctx context.Context) {
	for {
		if n, err := w.SettleOnce(ctx); err != nil && ctx.Err() == nil && w.Logger != nil {
			config.LogError(w.Logger, "SettlementWorker", "Run", "list settleable incidents", nil, err)
		} else if n > 0 && w.Logger != nil {
			w.Logger.WithFields(logrus.Fields{
				"field":   "SettlementWorker",
				"settled": n,
			}).Info("incidents settled")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.PollInterval):
		}
	}
}
