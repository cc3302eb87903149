package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates or updates every table the engine persists.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Incident{},
		&Verification{},
		&UserReputation{},
		&PointsLedgerEntry{},
		&StatusChangeEvent{},
		&ReconciliationReport{},
	)
}
