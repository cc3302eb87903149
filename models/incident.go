package models

import (
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/utils"
)

type Incident struct {
	// Seq is the insertion order, used as the stable secondary sort.
	Seq               int64          `gorm:"primaryKey;autoIncrement" json:"-"`
	ID                string         `gorm:"size:36;uniqueIndex;not null" json:"id"`
	Title             string         `gorm:"size:200;not null" json:"title"`
	Description       string         `gorm:"type:text;not null" json:"description"`
	Category          string         `gorm:"size:64;index;not null" json:"category"`
	Urgency           Urgency        `gorm:"size:10;not null" json:"urgency"`
	Location          string         `gorm:"size:255" json:"location"`
	ReporterID        string         `gorm:"size:64;index;not null" json:"reporter_id"`
	Status            IncidentStatus `gorm:"size:16;index;not null;default:'pending'" json:"status"`
	VerificationCount int            `gorm:"not null;default:0" json:"verification_count"`
	LastVoteAt        *time.Time     `gorm:"index" json:"last_vote_at,omitempty"`
	LastSettledAt     *time.Time     `json:"last_settled_at,omitempty"`
	CreatedAt         time.Time      `gorm:"index;not null" json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type NewIncidentInput struct {
	Title       string  `json:"title" validate:"required,max=200"`
	Description string  `json:"description" validate:"required"`
	Category    string  `json:"category" validate:"required,max=64"`
	Urgency     Urgency `json:"urgency" validate:"required,oneof=low medium high"`
	Location    string  `json:"location" validate:"max=255"`
	ReporterID  string  `json:"reporter_id" validate:"required,max=64"`
}

// Normalize trims free text so whitespace-only fields fail the required check.
func (in *NewIncidentInput) Normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Category = strings.TrimSpace(in.Category)
	in.Urgency = Urgency(strings.ToLower(strings.TrimSpace(string(in.Urgency))))
	in.Location = strings.TrimSpace(in.Location)
	in.ReporterID = strings.TrimSpace(in.ReporterID)
}

// IncidentFilter fields are AND-combined; empty or "all" disables a field.
type IncidentFilter struct {
	Status     string `form:"status" json:"status"`
	Category   string `form:"category" json:"category"`
	SearchText string `form:"q" json:"search_text"`
}

func (f IncidentFilter) Matches(inc *Incident) bool {
	if !utils.IsAllOrEmpty(f.Status) && !strings.EqualFold(string(inc.Status), strings.TrimSpace(f.Status)) {
		return false
	}
	if !utils.IsAllOrEmpty(f.Category) && !strings.EqualFold(inc.Category, strings.TrimSpace(f.Category)) {
		return false
	}
	if q := strings.TrimSpace(f.SearchText); q != "" {
		if !utils.ContainsFold(inc.Title, q) && !utils.ContainsFold(inc.Description, q) && !utils.ContainsFold(inc.Location, q) {
			return false
		}
	}
	return true
}

// IncidentOrderLess orders newest first, then by insertion.
func IncidentOrderLess(a, b *Incident) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
