package models

import "strings"

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return true
	}
	return false
}

// IncidentStatus is derived from the vote set; callers never set it directly.
type IncidentStatus string

const (
	IncidentStatusPending  IncidentStatus = "pending"
	IncidentStatusVerified IncidentStatus = "verified"
	IncidentStatusDisputed IncidentStatus = "disputed"
	IncidentStatusFalse    IncidentStatus = "false"
)

func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentStatusPending, IncidentStatusVerified, IncidentStatusDisputed, IncidentStatusFalse:
		return true
	}
	return false
}

func ParseIncidentStatus(raw string) (IncidentStatus, bool) {
	s := IncidentStatus(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.IsValid()
}

type Verdict string

const (
	VerdictTrue       Verdict = "true"
	VerdictFalse      Verdict = "false"
	VerdictMisleading Verdict = "misleading"
)

// Verdicts lists the tally buckets in a fixed order.
var Verdicts = []Verdict{VerdictTrue, VerdictFalse, VerdictMisleading}

func (v Verdict) IsValid() bool {
	switch v {
	case VerdictTrue, VerdictFalse, VerdictMisleading:
		return true
	}
	return false
}

// Status maps a winning verdict bucket to the incident status it produces.
func (v Verdict) Status() IncidentStatus {
	switch v {
	case VerdictTrue:
		return IncidentStatusVerified
	case VerdictFalse:
		return IncidentStatusFalse
	default:
		return IncidentStatusDisputed
	}
}

type LedgerReason string

const (
	LedgerReasonReportSubmitted      LedgerReason = "report_submitted"
	LedgerReasonReportVerified       LedgerReason = "report_verified"
	LedgerReasonVerificationCast     LedgerReason = "verification_cast"
	LedgerReasonVerificationAccurate LedgerReason = "verification_accurate"
	LedgerReasonRewardRedeemed       LedgerReason = "reward_redeemed"
)

// Outbox publish statuses for StatusChangeEvent.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

const ReconciliationCheckLedgerBalance = "LEDGER_BALANCE"
