package workflow

import (
	"context"
	"errors"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/config"
	"bitbucket.org/mmdatafocus/verify_backend/models"
	"bitbucket.org/mmdatafocus/verify_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Registry owns incidents and runs the vote pipeline:
// vote store -> aggregator -> ledger -> status-change outbox.
// It is the only writer of Incident.Status.
type Registry struct {
	Store      models.Store
	Locker     IncidentLocker
	Aggregator Aggregator
	Votes      *VoteStore
	Ledger     *Ledger
	Settings   config.EngineSettings

	// Cache is optional.
	Cache  ReadCache
	Logger *logrus.Logger
	Tracer trace.Tracer
	Now    func() time.Time
	NewID  func() string
}

func NewRegistry(store models.Store, locker IncidentLocker, settings config.EngineSettings, logger *logrus.Logger) *Registry {
	r := &Registry{
		Store:      store,
		Locker:     locker,
		Aggregator: NewAggregator(settings),
		Settings:   settings,
		Logger:     logger,
		Tracer:     otel.Tracer("verify-engine"),
		NewID:      uuid.NewString,
	}
	r.Votes = &VoteStore{Store: store, Now: r.now}
	r.Ledger = &Ledger{Settings: settings, Now: r.now}
	return r
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Registry) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := r.Tracer
	if tracer == nil {
		tracer = otel.Tracer("verify-engine")
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
		return v
	}
	return uuid.NewString()
}

// VerificationResult is what a vote submission reports back.
type VerificationResult struct {
	Status            models.IncidentStatus `json:"status"`
	VerificationCount int                   `json:"verification_count"`
	Verification      *models.Verification  `json:"verification"`
	IsNew             bool                  `json:"is_new"`
	Changed           bool                  `json:"changed"`
}

// StatusTransition reports one recomputation.
type StatusTransition struct {
	IncidentID string                `json:"incident_id"`
	OldStatus  models.IncidentStatus `json:"old_status"`
	NewStatus  models.IncidentStatus `json:"new_status"`
}

func (t StatusTransition) Changed() bool { return t.OldStatus != t.NewStatus }

// touched collects cache keys to drop once a transaction commits.
type touched struct {
	incidents []string
	users     []string
	// freeze holds third-party ledger mismatches found while awarding.
	freeze []*utils.ReconciliationError
}

func (t *touched) user(ids ...string) {
	t.users = append(t.users, ids...)
}

func (t *touched) incident(id string) {
	t.incidents = append(t.incidents, id)
}

func (t *touched) flush(ctx context.Context, c ReadCache) {
	if c == nil {
		return
	}
	c.Invalidate(ctx, utils.UniqueSlice(t.incidents), utils.UniqueSlice(t.users))
}

// SubmitIncident validates and stores a new pending incident and pays the
// reporter the flat submission award in the same transaction.
func (r *Registry) SubmitIncident(ctx context.Context, in models.NewIncidentInput) (inc *models.Incident, err error) {
	ctx, span := r.startSpan(ctx, "Registry.SubmitIncident", attribute.String("reporter_id", in.ReporterID))
	defer func() { endSpan(span, err) }()

	in.Normalize()
	if err := utils.ValidateInput(in); err != nil {
		return nil, err
	}
	now := r.now()
	inc = &models.Incident{
		ID:          r.NewID(),
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Urgency:     in.Urgency,
		Location:    in.Location,
		ReporterID:  in.ReporterID,
		Status:      models.IncidentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = r.Store.RunInTx(ctx, func(tx models.StoreTx) error {
		if err := tx.CreateIncident(inc); err != nil {
			return err
		}
		return r.Ledger.RecordReportSubmitted(tx, inc.ReporterID, inc.ID)
	})
	if err != nil {
		return nil, r.afterFailure(ctx, "SubmitIncident", inc.ID, err)
	}
	if r.Cache != nil {
		r.Cache.Invalidate(ctx, nil, []string{inc.ReporterID})
	}
	span.SetAttributes(attribute.String("incident_id", inc.ID))
	return inc, nil
}

// SubmitVerification casts a vote and, when it is new, recomputes the
// incident and settles points, all inside the incident's critical section and
// one transaction. A repeated vote returns the current state with no effects.
func (r *Registry) SubmitVerification(ctx context.Context, in models.NewVerificationInput) (res *VerificationResult, err error) {
	ctx, span := r.startSpan(ctx, "Registry.SubmitVerification",
		attribute.String("incident_id", in.IncidentID),
		attribute.String("voter_id", in.VoterID))
	defer func() { endSpan(span, err) }()

	in.Normalize()
	if err := utils.ValidateInput(in); err != nil {
		return nil, err
	}

	release, err := r.Locker.Acquire(ctx, in.IncidentID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := r.now()
	correlationId := correlationIdFromContextOrNew(ctx)
	var dirty touched
	err = r.Store.RunInTx(ctx, func(tx models.StoreTx) error {
		dirty = touched{}
		inc, err := tx.GetIncidentForUpdate(in.IncidentID)
		if err != nil {
			if utils.IsNotFound(err) {
				return &utils.NotFoundError{Resource: "incident", ID: in.IncidentID}
			}
			return err
		}
		vote, isNew, err := r.Votes.castInTx(tx, inc, in, now)
		if err != nil {
			return err
		}
		if !isNew {
			res = &VerificationResult{Status: inc.Status, VerificationCount: inc.VerificationCount, Verification: vote}
			return nil
		}

		inc.VerificationCount++
		inc.LastVoteAt = &now
		transition, err := r.recomputeInTx(tx, inc, vote.VoterID, now, correlationId, &dirty, func() error {
			return r.Ledger.RecordVerificationCast(tx, vote.VoterID, inc.ID)
		})
		if err != nil {
			return err
		}
		dirty.user(vote.VoterID)
		res = &VerificationResult{
			Status:            inc.Status,
			VerificationCount: inc.VerificationCount,
			Verification:      vote,
			IsNew:             true,
			Changed:           transition.Changed(),
		}
		return nil
	})
	if err != nil {
		return nil, r.afterFailure(ctx, "SubmitVerification", in.IncidentID, err)
	}
	dirty.flush(ctx, r.Cache)
	r.freezeAccounts(ctx, "SubmitVerification", in.IncidentID, dirty.freeze)

	span.SetAttributes(attribute.String("status", string(res.Status)), attribute.Bool("is_new", res.IsNew))
	if res.Changed && r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":          "Registry",
			"incident_id":    in.IncidentID,
			"status":         res.Status,
			"correlation_id": correlationId,
		}).Info("incident status changed")
	}
	return res, nil
}

// recomputeInTx tallies the incident's persisted votes against current trust,
// stores the new status, credits accuracy for the winning bucket, pays the
// reporter bonus on verification and writes the outbox event on change.
// beforeTally runs after participant rows are locked; it must not change trust.
//
// Awards to anyone other than actor never fail the call on a ledger mismatch:
// the award is skipped and the account queued for freezing. A skipped accuracy
// or reporter award is paid by a later recompute once the account is repaired.
func (r *Registry) recomputeInTx(tx models.StoreTx, inc *models.Incident, actor string, now time.Time, correlationId string, dirty *touched, beforeTally func() error) (StatusTransition, error) {
	transition := StatusTransition{IncidentID: inc.ID, OldStatus: inc.Status}

	votes, err := tx.ListVerifications(inc.ID)
	if err != nil {
		return transition, err
	}
	participants := make([]string, 0, len(votes)+1)
	participants = append(participants, inc.ReporterID)
	for _, v := range votes {
		participants = append(participants, v.VoterID)
	}
	sort.Strings(participants)
	reps, err := tx.LockReputations(participants)
	if err != nil {
		return transition, err
	}
	if beforeTally != nil {
		if err := beforeTally(); err != nil {
			return transition, err
		}
	}

	weighted := make([]WeightedVote, 0, len(votes))
	for _, v := range votes {
		trust := r.Settings.BaselineTrust
		if rep, ok := reps[v.VoterID]; ok {
			trust = rep.TrustScore
		}
		weighted = append(weighted, WeightedVote{VoterID: v.VoterID, Verdict: v.Verdict, Trust: trust})
	}
	tally := r.Aggregator.Compute(inc.Urgency, weighted)

	inc.Status = tally.Status
	inc.UpdatedAt = now
	if err := tx.UpdateIncident(inc); err != nil {
		return transition, err
	}
	transition.NewStatus = inc.Status
	dirty.incident(inc.ID)

	award := func(userID string, pay func() (bool, error)) error {
		paid, err := pay()
		var recErr *utils.ReconciliationError
		if err != nil && userID != actor && errors.As(err, &recErr) {
			if !recErr.Frozen {
				dirty.freeze = append(dirty.freeze, recErr)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if paid {
			dirty.user(userID)
		}
		return nil
	}

	if tally.Winner != "" {
		for _, v := range votes {
			if v.Verdict != tally.Winner {
				continue
			}
			voterID := v.VoterID
			if err := award(voterID, func() (bool, error) {
				return r.Ledger.CreditAccuracy(tx, voterID, inc.ID)
			}); err != nil {
				return transition, err
			}
		}
	}
	if inc.Status == models.IncidentStatusVerified {
		if err := award(inc.ReporterID, func() (bool, error) {
			return r.Ledger.AwardReportVerified(tx, inc.ReporterID, inc.ID)
		}); err != nil {
			return transition, err
		}
	}

	if transition.Changed() {
		if err := tx.CreateStatusEvent(&models.StatusChangeEvent{
			EventID:       r.NewID(),
			IncidentID:    inc.ID,
			OldStatus:     transition.OldStatus,
			NewStatus:     transition.NewStatus,
			OccurredAt:    now,
			CorrelationId: correlationId,
			PublishStatus: models.OutboxPublishStatusPending,
		}); err != nil {
			return transition, err
		}
	}
	return transition, nil
}

// RecomputeIncidents re-runs aggregation for the given incidents. It is what an
// external stale-incident scheduler calls; with no new votes or trust changes it
// is a no-op. Unknown ids fail the whole call before any work.
func (r *Registry) RecomputeIncidents(ctx context.Context, ids []string) (out []StatusTransition, err error) {
	ctx, span := r.startSpan(ctx, "Registry.RecomputeIncidents", attribute.Int("incidents", len(ids)))
	defer func() { endSpan(span, err) }()

	ids = utils.UniqueSlice(ids)
	for _, id := range ids {
		if _, err := r.Store.GetIncident(ctx, id); err != nil {
			if utils.IsNotFound(err) {
				return nil, &utils.NotFoundError{Resource: "incident", ID: id}
			}
			return nil, err
		}
	}
	correlationId := correlationIdFromContextOrNew(ctx)
	for _, id := range ids {
		t, err := r.recomputeOne(ctx, id, correlationId)
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *Registry) recomputeOne(ctx context.Context, id, correlationId string) (StatusTransition, error) {
	release, err := r.Locker.Acquire(ctx, id)
	if err != nil {
		return StatusTransition{}, err
	}
	defer release()

	var (
		t     StatusTransition
		dirty touched
	)
	now := r.now()
	err = r.Store.RunInTx(ctx, func(tx models.StoreTx) error {
		dirty = touched{}
		inc, err := tx.GetIncidentForUpdate(id)
		if err != nil {
			return err
		}
		t, err = r.recomputeInTx(tx, inc, "", now, correlationId, &dirty, nil)
		return err
	})
	if err != nil {
		return t, r.afterFailure(ctx, "RecomputeIncidents", id, err)
	}
	dirty.flush(ctx, r.Cache)
	r.freezeAccounts(ctx, "RecomputeIncidents", id, dirty.freeze)
	return t, nil
}

// RecomputeStale recomputes pending incidents older than age.
func (r *Registry) RecomputeStale(ctx context.Context, age time.Duration, limit int) ([]StatusTransition, error) {
	stale, err := r.Store.ListStaleIncidents(ctx, r.now().Add(-age), limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(stale))
	for _, inc := range stale {
		ids = append(ids, inc.ID)
	}
	return r.RecomputeIncidents(ctx, ids)
}

func (r *Registry) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	var gen string
	if r.Cache != nil {
		inc, g, ok := r.Cache.GetIncident(ctx, id)
		if ok {
			return inc, nil
		}
		gen = g
	}
	inc, err := r.Store.GetIncident(ctx, id)
	if err != nil {
		if utils.IsNotFound(err) {
			return nil, &utils.NotFoundError{Resource: "incident", ID: id}
		}
		return nil, err
	}
	if r.Cache != nil {
		r.Cache.SetIncident(ctx, inc, gen)
	}
	return inc, nil
}

func (r *Registry) ListVerifications(ctx context.Context, incidentID string) ([]models.Verification, error) {
	if _, err := r.GetIncident(ctx, incidentID); err != nil {
		return nil, err
	}
	return r.Store.ListVerifications(ctx, incidentID)
}

func (r *Registry) ListIncidents(ctx context.Context, filter models.IncidentFilter) ([]models.Incident, error) {
	if !utils.IsAllOrEmpty(filter.Status) {
		if _, ok := models.ParseIncidentStatus(filter.Status); !ok {
			return nil, utils.NewValidationError("status", "must be one of: all pending verified disputed false")
		}
	}
	return r.Store.ListIncidents(ctx, filter)
}

func (r *Registry) GetUserReputation(ctx context.Context, userID string) (*models.ReputationView, error) {
	var gen string
	if r.Cache != nil {
		view, g, ok := r.Cache.GetReputation(ctx, userID)
		if ok {
			return view, nil
		}
		gen = g
	}
	rep, err := r.Store.GetReputation(ctx, userID)
	if err != nil {
		if utils.IsNotFound(err) {
			return nil, &utils.NotFoundError{Resource: "user", ID: userID}
		}
		return nil, err
	}
	view := rep.View()
	if r.Cache != nil {
		r.Cache.SetReputation(ctx, &view, gen)
	}
	return &view, nil
}

func (r *Registry) ListLedgerEntries(ctx context.Context, userID string) (*models.ReputationView, []models.PointsLedgerEntry, error) {
	view, err := r.GetUserReputation(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := r.Store.ListLedgerEntries(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return view, entries, nil
}

// RedeemReward spends points on a catalog reward.
func (r *Registry) RedeemReward(ctx context.Context, userID, rewardID string) (red *models.Redemption, err error) {
	ctx, span := r.startSpan(ctx, "Registry.RedeemReward", attribute.String("user_id", userID), attribute.String("reward_id", rewardID))
	defer func() { endSpan(span, err) }()

	reward, ok := models.FindReward(rewardID)
	if !ok {
		return nil, &utils.NotFoundError{Resource: "reward", ID: rewardID}
	}
	reference := r.NewID()
	err = r.Store.RunInTx(ctx, func(tx models.StoreTx) error {
		rep, err := tx.FindReputation(userID)
		if err != nil {
			return err
		}
		if rep == nil {
			return &utils.NotFoundError{Resource: "user", ID: userID}
		}
		if err := r.Ledger.Redeem(tx, rep, reward, reference); err != nil {
			return err
		}
		red = &models.Redemption{Reward: reward, Reference: reference, NewBalance: rep.PointsBalance}
		return nil
	})
	if err != nil {
		return nil, r.afterFailure(ctx, "RedeemReward", userID, err)
	}
	if r.Cache != nil {
		r.Cache.Invalidate(ctx, nil, []string{userID})
	}
	return red, nil
}

func (r *Registry) MarkIdentityVerified(ctx context.Context, userID string) (*models.ReputationView, error) {
	var view models.ReputationView
	err := r.Store.RunInTx(ctx, func(tx models.StoreTx) error {
		rep, err := r.Ledger.MarkIdentityVerified(tx, userID)
		if err != nil {
			return err
		}
		view = rep.View()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.Cache != nil {
		r.Cache.Invalidate(ctx, nil, []string{userID})
	}
	return &view, nil
}

// UnfreezeAccount lifts a reconciliation freeze after operator review.
func (r *Registry) UnfreezeAccount(ctx context.Context, userID string) (*models.ReputationView, error) {
	correlationId := correlationIdFromContextOrNew(ctx)
	var view models.ReputationView
	err := r.Store.RunInTx(ctx, func(tx models.StoreTx) error {
		rep, err := r.Ledger.Unfreeze(tx, userID, correlationId)
		if err != nil {
			return err
		}
		view = rep.View()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.Cache != nil {
		r.Cache.Invalidate(ctx, nil, []string{userID})
	}
	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":          "Registry",
			"user_id":        userID,
			"correlation_id": correlationId,
		}).Warn("points ledger unfrozen")
	}
	return &view, nil
}

// ReplayStatusEvents puts DEAD and FAILED outbox events back in the queue.
func (r *Registry) ReplayStatusEvents(ctx context.Context) (int64, error) {
	return r.Store.ReplayEvents(ctx, []string{models.OutboxPublishStatusDead, models.OutboxPublishStatusFailed})
}

// afterFailure maps storage conflicts to ContentionError and, for a fresh
// ledger mismatch, freezes the account in its own transaction since the
// failing one has rolled back.
func (r *Registry) afterFailure(ctx context.Context, funcName, ref string, err error) error {
	if errors.Is(err, utils.ErrTxConflict) {
		return &utils.ContentionError{IncidentID: ref}
	}
	var recErr *utils.ReconciliationError
	if errors.As(err, &recErr) && !recErr.Frozen {
		r.freezeAccounts(ctx, funcName, ref, []*utils.ReconciliationError{recErr})
	}
	return err
}

func (r *Registry) freezeAccounts(ctx context.Context, funcName, ref string, mismatches []*utils.ReconciliationError) {
	if len(mismatches) == 0 {
		return
	}
	correlationId := correlationIdFromContextOrNew(ctx)
	freezeCtx := context.WithoutCancel(ctx)
	users := make([]string, 0, len(mismatches))
	for _, m := range mismatches {
		m := m
		ferr := r.Store.RunInTx(freezeCtx, func(tx models.StoreTx) error {
			_, err := r.Ledger.Freeze(tx, m.UserID, m.Balance, m.LedgerSum, correlationId)
			return err
		})
		users = append(users, m.UserID)
		if r.Logger == nil {
			continue
		}
		config.LogError(r.Logger, "Registry", funcName, "points ledger out of balance; awards frozen", map[string]interface{}{
			"user_id":        m.UserID,
			"balance":        m.Balance,
			"ledger_sum":     m.LedgerSum,
			"ref":            ref,
			"correlation_id": correlationId,
		}, m)
		if ferr != nil {
			config.LogError(r.Logger, "Registry", funcName, "freeze account", m.UserID, ferr)
		}
	}
	if r.Cache != nil {
		r.Cache.Invalidate(freezeCtx, nil, users)
	}
}
