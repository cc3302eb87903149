package models

import "time"

// PointsLedgerEntry is append-only. Corrections are compensating entries.
// The unique index makes incident-scoped awards at-most-once per user and reason;
// redemptions carry a distinct Reference per redemption.
type PointsLedgerEntry struct {
	ID         int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     string       `gorm:"size:64;not null;index;uniqueIndex:idx_ledger_award,priority:1" json:"user_id"`
	IncidentID string       `gorm:"size:36;not null;default:'';index;uniqueIndex:idx_ledger_award,priority:2" json:"incident_id,omitempty"`
	Reason     LedgerReason `gorm:"size:32;not null;uniqueIndex:idx_ledger_award,priority:3" json:"reason"`
	Reference  string       `gorm:"size:64;not null;default:'';uniqueIndex:idx_ledger_award,priority:4" json:"reference,omitempty"`
	Amount     int64        `gorm:"not null" json:"amount"`
	CreatedAt  time.Time    `gorm:"index;not null" json:"created_at"`
}

// LedgerMismatch is one user whose stored balance disagrees with the ledger sum.
type LedgerMismatch struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	LedgerSum int64  `json:"ledger_sum"`
}
