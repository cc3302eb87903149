package models

import (
	"strings"
	"time"
)

// Verification is one voter's immutable verdict on an incident.
type Verification struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	IncidentID string    `gorm:"size:36;not null;uniqueIndex:idx_verification_incident_voter,priority:1" json:"incident_id"`
	VoterID    string    `gorm:"size:64;not null;index;uniqueIndex:idx_verification_incident_voter,priority:2" json:"voter_id"`
	Verdict    Verdict   `gorm:"size:16;not null" json:"verdict"`
	Comment    string    `gorm:"type:text" json:"comment,omitempty"`
	ClientHash string    `gorm:"size:64" json:"-"`
	CastAt     time.Time `gorm:"index;not null" json:"cast_at"`
}

type NewVerificationInput struct {
	IncidentID string  `json:"incident_id" validate:"required,max=36"`
	VoterID    string  `json:"voter_id" validate:"required,max=64"`
	Verdict    Verdict `json:"verdict" validate:"required,oneof=true false misleading"`
	Comment    string  `json:"comment" validate:"max=2000"`
	ClientHash string  `json:"-"`
}

func (in *NewVerificationInput) Normalize() {
	in.IncidentID = strings.TrimSpace(in.IncidentID)
	in.VoterID = strings.TrimSpace(in.VoterID)
	in.Verdict = Verdict(strings.ToLower(strings.TrimSpace(string(in.Verdict))))
	in.Comment = strings.TrimSpace(in.Comment)
}
