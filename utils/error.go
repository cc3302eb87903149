package utils

import (
	"errors"
	"fmt"
	"time"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrDuplicateVerification is returned by stores when the (incident_id, voter_id)
// unique index rejects an insert.
var ErrDuplicateVerification = errors.New("duplicate verification")

// ErrTxConflict marks a storage transaction that lost a lock race (deadlock or
// lock wait timeout) and rolled back; the caller may retry.
var ErrTxConflict = errors.New("transaction conflict")

// ValidationError reports a malformed or incomplete submission. Field is the
// json name of the offending input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrorRecordNotFound }

type SelfVerificationError struct {
	IncidentID string
	UserID     string
}

func (e *SelfVerificationError) Error() string {
	return fmt.Sprintf("user %q cannot verify own incident %q", e.UserID, e.IncidentID)
}

// ContentionError means the incident's critical section could not be entered
// within the configured wait. Retrying is safe.
type ContentionError struct {
	IncidentID string
	Waited     time.Duration
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("incident %q is busy (waited %s), retry later", e.IncidentID, e.Waited)
}

// ReconciliationError is raised when a user's balance disagrees with the sum of
// their ledger entries. Frozen is set when the account was already frozen by an
// earlier mismatch and awards are halted until an operator unfreezes it.
type ReconciliationError struct {
	UserID    string
	Balance   int64
	LedgerSum int64
	Frozen    bool
}

func (e *ReconciliationError) Error() string {
	if e.Frozen {
		return fmt.Sprintf("points ledger for user %q is frozen pending reconciliation", e.UserID)
	}
	return fmt.Sprintf("points ledger for user %q out of balance: balance=%d ledger_sum=%d", e.UserID, e.Balance, e.LedgerSum)
}

type InsufficientPointsError struct {
	UserID    string
	Balance   int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("user %q needs %d more points", e.UserID, e.Requested-e.Balance)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrorRecordNotFound)
}
