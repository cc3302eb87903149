package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserReputation is the balance side of a user's points ledger plus trust state.
// PointsBalance must always equal the sum of the user's PointsLedgerEntry amounts.
type UserReputation struct {
	UserID                string     `gorm:"primaryKey;size:64" json:"user_id"`
	TrustScore            int        `gorm:"not null" json:"trust_score"`
	PointsBalance         int64      `gorm:"not null;default:0" json:"points_balance"`
	LifetimePoints        int64      `gorm:"not null;default:0" json:"lifetime_points"`
	Level                 int        `gorm:"not null;default:1" json:"level"`
	ReportsSubmitted      int        `gorm:"not null;default:0" json:"reports_submitted"`
	VerificationsCast     int        `gorm:"not null;default:0" json:"verifications_cast"`
	AccurateVerifications int        `gorm:"not null;default:0" json:"accurate_verifications"`
	IdentityVerified      bool       `gorm:"not null;default:false" json:"identity_verified"`
	Frozen                bool       `gorm:"not null;default:false;index" json:"frozen"`
	FrozenAt              *time.Time `json:"frozen_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// AccuracyRate is accurate/cast rounded to four places, zero before the first cast.
func (r *UserReputation) AccuracyRate() decimal.Decimal {
	if r.VerificationsCast <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(r.AccurateVerifications)).
		DivRound(decimal.NewFromInt(int64(r.VerificationsCast)), 4)
}

// LevelFor maps cumulative points to a level: every step points is one level, starting at 1.
func LevelFor(lifetimePoints int64, step int64) int {
	if step <= 0 || lifetimePoints <= 0 {
		return 1
	}
	return int(lifetimePoints/step) + 1
}

const (
	BadgeFirstReport   = "first_report"
	BadgeFactChecker   = "fact_checker"
	BadgeCommunityHero = "community_hero"
	BadgeTruthSeeker   = "truth_seeker"
)

// Badges returns the achievement codes the record currently satisfies.
func (r *UserReputation) Badges() []string {
	badges := []string{}
	if r.ReportsSubmitted >= 1 {
		badges = append(badges, BadgeFirstReport)
	}
	if r.VerificationsCast >= 10 {
		badges = append(badges, BadgeFactChecker)
	}
	if r.Level >= 5 {
		badges = append(badges, BadgeCommunityHero)
	}
	if r.VerificationsCast >= 50 {
		badges = append(badges, BadgeTruthSeeker)
	}
	return badges
}

// ReputationView is the read model returned to callers.
type ReputationView struct {
	UserID                string          `json:"user_id"`
	Points                int64           `json:"points"`
	LifetimePoints        int64           `json:"lifetime_points"`
	Level                 int             `json:"level"`
	TrustScore            int             `json:"trust_score"`
	AccuracyRate          decimal.Decimal `json:"accuracy_rate"`
	ReportsSubmitted      int             `json:"reports_submitted"`
	VerificationsCast     int             `json:"verifications_cast"`
	AccurateVerifications int             `json:"accurate_verifications"`
	IdentityVerified      bool            `json:"identity_verified"`
	Frozen                bool            `json:"frozen"`
	Badges                []string        `json:"badges"`
}

func (r *UserReputation) View() ReputationView {
	return ReputationView{
		UserID:                r.UserID,
		Points:                r.PointsBalance,
		LifetimePoints:        r.LifetimePoints,
		Level:                 r.Level,
		TrustScore:            r.TrustScore,
		AccuracyRate:          r.AccuracyRate(),
		ReportsSubmitted:      r.ReportsSubmitted,
		VerificationsCast:     r.VerificationsCast,
		AccurateVerifications: r.AccurateVerifications,
		IdentityVerified:      r.IdentityVerified,
		Frozen:                r.Frozen,
		Badges:                r.Badges(),
	}
}
