package models

import "time"

// ReconciliationReport records a drift finding for operators.
type ReconciliationReport struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CheckType     string    `gorm:"size:50;index;not null" json:"check_type"`  // e.g. LEDGER_BALANCE
	EntityType    string    `gorm:"size:50;index;not null" json:"entity_type"` // e.g. UserReputation
	EntityId      string    `gorm:"size:64;index;not null" json:"entity_id"`
	Details       string    `gorm:"type:text" json:"details"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}
