package models

import (
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/config"
)

// StatusChangeEvent is the transactional outbox row for the status-change stream.
// It is written in the same transaction as the status change and published after commit.
type StatusChangeEvent struct {
	ID            int64          `gorm:"primaryKey;autoIncrement;index:idx_outbox_dispatch,priority:3" json:"id"`
	EventID       string         `gorm:"size:36;uniqueIndex;not null" json:"event_id"`
	IncidentID    string         `gorm:"size:36;index;not null" json:"incident_id"`
	OldStatus     IncidentStatus `gorm:"size:16;not null" json:"old_status"`
	NewStatus     IncidentStatus `gorm:"size:16;not null" json:"new_status"`
	OccurredAt    time.Time      `gorm:"not null" json:"occurred_at"`
	CorrelationId string         `gorm:"size:64;index" json:"correlation_id"`

	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (e *StatusChangeEvent) ToMessage() config.StatusChangeMessage {
	return config.StatusChangeMessage{
		EventID:       e.EventID,
		IncidentID:    e.IncidentID,
		OldStatus:     string(e.OldStatus),
		NewStatus:     string(e.NewStatus),
		OccurredAt:    e.OccurredAt,
		CorrelationId: e.CorrelationId,
	}
}

// ClaimableAt reports whether a dispatcher may pick the event up at now.
// PROCESSING rows are reclaimable once their lock is older than staleBefore.
func (e *StatusChangeEvent) ClaimableAt(now, staleBefore time.Time) bool {
	switch e.PublishStatus {
	case OutboxPublishStatusPending, OutboxPublishStatusFailed:
		return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
	case OutboxPublishStatusProcessing:
		return e.LockedAt != nil && !e.LockedAt.After(staleBefore)
	}
	return false
}
