package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/config"
	"bitbucket.org/mmdatafocus/verify_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventPublisher delivers one status-change message and returns its broker id.
type EventPublisher interface {
	Publish(ctx context.Context, msg config.StatusChangeMessage) (string, error)
}

// OutboxDispatcher publishes committed status-change events at least once.
// Failed publishes back off exponentially and go DEAD after MaxAttempts.
type OutboxDispatcher struct {
	Store        models.OutboxStore
	Publisher    EventPublisher
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	Now            func() time.Time
}

func NewOutboxDispatcher(store models.OutboxStore, publisher EventPublisher, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		Store:          store,
		Publisher:      publisher,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *OutboxDispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims and publishes one batch; it returns how many were sent.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	now := d.now()
	claimed, err := d.Store.ClaimPendingEvents(ctx, d.DispatcherID, now, now.Add(-d.LockTimeout), d.BatchSize, d.MaxAttempts)
	if err != nil {
		if d.Logger != nil && ctx.Err() == nil {
			config.LogError(d.Logger, "OutboxDispatcher", "DispatchOnce", "claim pending events", nil, err)
		}
		return 0
	}

	sent := 0
	for _, ev := range claimed {
		ev := ev
		msgID, pubErr := d.Publisher.Publish(ctx, ev.ToMessage())
		if pubErr != nil {
			d.markPublishFailed(ctx, &ev, pubErr)
			continue
		}
		if err := d.Store.MarkEventSent(ctx, ev.ID, msgID, d.now()); err != nil && d.Logger != nil {
			config.LogError(d.Logger, "OutboxDispatcher", "DispatchOnce", "mark event sent", ev.ID, err)
		}
		sent++
	}
	return sent
}

// backoffFor doubles InitialBackoff per prior attempt, capped at ten minutes.
func (d *OutboxDispatcher) backoffFor(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			return time.Minute * 10
		}
	}
	return backoff
}

func (d *OutboxDispatcher) markPublishFailed(ctx context.Context, ev *models.StatusChangeEvent, err error) {
	msg := err.Error()
	attempt := ev.PublishAttempts

	// Terminal after MaxAttempts (DLQ equivalent).
	if d.MaxAttempts > 0 && attempt >= d.MaxAttempts {
		_ = d.Store.MarkEventFailed(ctx, ev.ID, msg, nil, true)
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":       "OutboxDispatcher",
				"incident_id": ev.IncidentID,
				"event_id":    ev.EventID,
				"attempt":     attempt,
			}).Error("status event moved to DEAD after max attempts: " + fmt.Sprintf("%v", err))
		}
		return
	}

	next := d.now().Add(d.backoffFor(attempt))
	_ = d.Store.MarkEventFailed(ctx, ev.ID, msg, &next, false)
	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "OutboxDispatcher",
			"incident_id":     ev.IncidentID,
			"event_id":        ev.EventID,
			"attempt":         attempt,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("status event publish failed: " + fmt.Sprintf("%v", err))
	}
}
