package models

import (
	"context"
	"time"
)

// Store is the durable home of incidents, votes, reputations and the points
// ledger. Every mutation goes through RunInTx; fn's writes commit together or
// not at all, including when ctx is cancelled before commit.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx StoreTx) error) error

	GetIncident(ctx context.Context, id string) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)
	ListVerifications(ctx context.Context, incidentID string) ([]Verification, error)
	GetReputation(ctx context.Context, userID string) (*UserReputation, error)
	ListLedgerEntries(ctx context.Context, userID string) ([]PointsLedgerEntry, error)
	ListLedgerMismatches(ctx context.Context) ([]LedgerMismatch, error)

	// ListSettleableIncidents returns resolved incidents whose last vote is at or
	// before votedBefore and which have votes not yet settled.
	ListSettleableIncidents(ctx context.Context, votedBefore time.Time, limit int) ([]Incident, error)
	// ListStaleIncidents returns pending incidents created at or before createdBefore.
	ListStaleIncidents(ctx context.Context, createdBefore time.Time, limit int) ([]Incident, error)

	OutboxStore
}

// StoreTx is the view of the store inside one transaction. Lookups of absent
// rows return ErrorRecordNotFound except the Find* methods, which return nil, nil.
type StoreTx interface {
	// GetIncidentForUpdate loads the incident and holds its row until commit.
	GetIncidentForUpdate(id string) (*Incident, error)
	CreateIncident(inc *Incident) error
	UpdateIncident(inc *Incident) error

	FindVerification(incidentID, voterID string) (*Verification, error)
	// CreateVerification returns utils.ErrDuplicateVerification when the voter already voted.
	CreateVerification(v *Verification) error
	ListVerifications(incidentID string) ([]Verification, error)

	// LockReputations loads and locks the given users' rows in user id order.
	// Absent users are omitted from the result.
	LockReputations(userIDs []string) (map[string]UserReputation, error)
	FindReputation(userID string) (*UserReputation, error)
	CreateReputation(rep *UserReputation) error
	UpdateReputation(rep *UserReputation) error

	AppendLedgerEntry(entry *PointsLedgerEntry) error
	SumLedger(userID string) (int64, error)
	HasLedgerEntry(userID, incidentID string, reason LedgerReason) (bool, error)

	CreateStatusEvent(ev *StatusChangeEvent) error
	CreateReconciliationReport(rep *ReconciliationReport) error
}

// OutboxStore backs the status-change dispatcher.
type OutboxStore interface {
	// ClaimPendingEvents marks up to limit claimable events PROCESSING for dispatcherID.
	// Events already at maxAttempts are moved to DEAD and not returned.
	ClaimPendingEvents(ctx context.Context, dispatcherID string, now, staleBefore time.Time, limit, maxAttempts int) ([]StatusChangeEvent, error)
	MarkEventSent(ctx context.Context, id int64, messageID string, at time.Time) error
	// MarkEventFailed records the error; a nil nextAttempt with dead=true makes the event terminal.
	MarkEventFailed(ctx context.Context, id int64, errMsg string, nextAttempt *time.Time, dead bool) error
	// ReplayEvents resets events in the given statuses to PENDING with zero attempts.
	ReplayEvents(ctx context.Context, statuses []string) (int64, error)
	ListEventsByIncident(ctx context.Context, incidentID string) ([]StatusChangeEvent, error)
}
