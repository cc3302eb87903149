package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	mysqlErrDuplicateKey     = 1062
	mysqlErrLockWaitTimeout  = 1205
	mysqlErrDeadlockDetected = 1213
)

func mysqlErrNumber(err error) uint16 {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number
	}
	return 0
}

func isDuplicateKeyErr(err error) bool {
	return mysqlErrNumber(err) == mysqlErrDuplicateKey
}

func isLockConflictErr(err error) bool {
	n := mysqlErrNumber(err)
	return n == mysqlErrLockWaitTimeout || n == mysqlErrDeadlockDetected
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorRecordNotFound
	}
	return err
}

// GormStore persists the engine in MySQL.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) RunInTx(ctx context.Context, fn func(tx StoreTx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
	if err != nil && isLockConflictErr(err) {
		return fmt.Errorf("%w: %v", utils.ErrTxConflict, err)
	}
	return err
}

func (s *GormStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	var inc Incident
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&inc).Error; err != nil {
		return nil, notFound(err)
	}
	return &inc, nil
}

func (s *GormStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	q := s.db.WithContext(ctx).Model(&Incident{})
	if !utils.IsAllOrEmpty(filter.Status) {
		q = q.Where("status = ?", strings.ToLower(strings.TrimSpace(filter.Status)))
	}
	if !utils.IsAllOrEmpty(filter.Category) {
		q = q.Where("LOWER(category) = ?", strings.ToLower(strings.TrimSpace(filter.Category)))
	}
	if text := strings.TrimSpace(filter.SearchText); text != "" {
		like := "%" + escapeLike(strings.ToLower(text)) + "%"
		q = q.Where("(LOWER(title) LIKE ? OR LOWER(description) LIKE ? OR LOWER(location) LIKE ?)", like, like, like)
	}
	var incidents []Incident
	if err := q.Order("created_at DESC").Order("seq ASC").Find(&incidents).Error; err != nil {
		return nil, err
	}
	return incidents, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *GormStore) ListVerifications(ctx context.Context, incidentID string) ([]Verification, error) {
	return listVerifications(s.db.WithContext(ctx), incidentID)
}

func listVerifications(db *gorm.DB, incidentID string) ([]Verification, error) {
	var votes []Verification
	err := db.Where("incident_id = ?", incidentID).Order("cast_at ASC").Order("id ASC").Find(&votes).Error
	return votes, err
}

func (s *GormStore) GetReputation(ctx context.Context, userID string) (*UserReputation, error) {
	var rep UserReputation
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&rep).Error; err != nil {
		return nil, notFound(err)
	}
	return &rep, nil
}

func (s *GormStore) ListLedgerEntries(ctx context.Context, userID string) ([]PointsLedgerEntry, error) {
	var entries []PointsLedgerEntry
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&entries).Error
	return entries, err
}

func (s *GormStore) ListLedgerMismatches(ctx context.Context) ([]LedgerMismatch, error) {
	var rows []LedgerMismatch
	err := s.db.WithContext(ctx).Raw(`
		SELECT r.user_id AS user_id, r.points_balance AS balance, COALESCE(SUM(l.amount), 0) AS ledger_sum
		FROM user_reputations r
		LEFT JOIN points_ledger_entries l ON l.user_id = r.user_id
		GROUP BY r.user_id, r.points_balance
		HAVING r.points_balance <> COALESCE(SUM(l.amount), 0)
		ORDER BY r.user_id ASC
	`).Scan(&rows).Error
	return rows, err
}

func (s *GormStore) ListSettleableIncidents(ctx context.Context, votedBefore time.Time, limit int) ([]Incident, error) {
	var incidents []Incident
	err := s.db.WithContext(ctx).
		Where("status <> ?", IncidentStatusPending).
		Where("last_vote_at IS NOT NULL AND last_vote_at <= ?", votedBefore).
		Where("(last_settled_at IS NULL OR last_settled_at < last_vote_at)").
		Order("last_vote_at ASC").
		Limit(limit).
		Find(&incidents).Error
	return incidents, err
}

func (s *GormStore) ListStaleIncidents(ctx context.Context, createdBefore time.Time, limit int) ([]Incident, error) {
	var incidents []Incident
	err := s.db.WithContext(ctx).
		Where("status = ?", IncidentStatusPending).
		Where("created_at <= ?", createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&incidents).Error
	return incidents, err
}

func (s *GormStore) ClaimPendingEvents(ctx context.Context, dispatcherID string, now, staleBefore time.Time, limit, maxAttempts int) ([]StatusChangeEvent, error) {
	var claimed []StatusChangeEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING but lock is stale (dispatcher crashed mid-batch)
		var candidates []StatusChangeEvent
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{OutboxPublishStatusPending, OutboxPublishStatusFailed}, now, OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}
		for i := range candidates {
			ev := candidates[i]
			if maxAttempts > 0 && ev.PublishAttempts >= maxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", maxAttempts)
				if err := tx.Model(&StatusChangeEvent{}).Where("id = ?", ev.ID).Updates(map[string]interface{}{
					"publish_status":     OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}
			lockedBy := dispatcherID
			lockedAt := now
			if err := tx.Model(&StatusChangeEvent{}).Where("id = ?", ev.ID).Updates(map[string]interface{}{
				"publish_status":     OutboxPublishStatusProcessing,
				"locked_at":          &lockedAt,
				"locked_by":          &lockedBy,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
			ev.PublishStatus = OutboxPublishStatusProcessing
			ev.LockedAt = &lockedAt
			ev.LockedBy = &lockedBy
			ev.PublishAttempts++
			ev.LastPublishError = nil
			ev.NextAttemptAt = nil
			claimed = append(claimed, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *GormStore) MarkEventSent(ctx context.Context, id int64, messageID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&StatusChangeEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusSent,
			"published_at":       &at,
			"pub_sub_message_id": &messageID,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
}

func (s *GormStore) MarkEventFailed(ctx context.Context, id int64, errMsg string, nextAttempt *time.Time, dead bool) error {
	status := OutboxPublishStatusFailed
	if dead {
		status = OutboxPublishStatusDead
		nextAttempt = nil
	}
	return s.db.WithContext(ctx).Model(&StatusChangeEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     status,
			"last_publish_error": &errMsg,
			"next_attempt_at":    nextAttempt,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
}

func (s *GormStore) ReplayEvents(ctx context.Context, statuses []string) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&StatusChangeEvent{}).
		Where("publish_status IN ?", statuses).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusPending,
			"publish_attempts":   0,
			"next_attempt_at":    nil,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	return res.RowsAffected, res.Error
}

func (s *GormStore) ListEventsByIncident(ctx context.Context, incidentID string) ([]StatusChangeEvent, error) {
	var events []StatusChangeEvent
	err := s.db.WithContext(ctx).Where("incident_id = ?", incidentID).Order("id ASC").Find(&events).Error
	return events, err
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) GetIncidentForUpdate(id string) (*Incident, error) {
	var inc Incident
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&inc).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &inc, nil
}

func (t *gormTx) CreateIncident(inc *Incident) error {
	return t.db.Create(inc).Error
}

func (t *gormTx) UpdateIncident(inc *Incident) error {
	return t.db.Model(&Incident{}).Where("seq = ?", inc.Seq).Updates(map[string]interface{}{
		"status":             inc.Status,
		"verification_count": inc.VerificationCount,
		"last_vote_at":       inc.LastVoteAt,
		"last_settled_at":    inc.LastSettledAt,
		"updated_at":         inc.UpdatedAt,
	}).Error
}

func (t *gormTx) FindVerification(incidentID, voterID string) (*Verification, error) {
	var v Verification
	err := t.db.Where("incident_id = ? AND voter_id = ?", incidentID, voterID).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (t *gormTx) CreateVerification(v *Verification) error {
	// A savepoint keeps the outer transaction usable after a duplicate-key rejection.
	err := t.db.Transaction(func(sp *gorm.DB) error {
		return sp.Create(v).Error
	})
	if isDuplicateKeyErr(err) {
		return utils.ErrDuplicateVerification
	}
	return err
}

func (t *gormTx) ListVerifications(incidentID string) ([]Verification, error) {
	return listVerifications(t.db, incidentID)
}

func (t *gormTx) LockReputations(userIDs []string) (map[string]UserReputation, error) {
	out := make(map[string]UserReputation, len(userIDs))
	ids := utils.UniqueSlice(userIDs)
	if len(ids) == 0 {
		return out, nil
	}
	sort.Strings(ids)
	var reps []UserReputation
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id IN ?", ids).
		Order("user_id ASC").
		Find(&reps).Error
	if err != nil {
		return nil, err
	}
	for _, r := range reps {
		out[r.UserID] = r
	}
	return out, nil
}

func (t *gormTx) FindReputation(userID string) (*UserReputation, error) {
	var rep UserReputation
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&rep).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

func (t *gormTx) CreateReputation(rep *UserReputation) error {
	// Concurrent first awards for the same user race on the primary key; the loser reuses the row.
	return t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(rep).Error
}

func (t *gormTx) UpdateReputation(rep *UserReputation) error {
	return t.db.Model(&UserReputation{}).Where("user_id = ?", rep.UserID).Updates(map[string]interface{}{
		"trust_score":            rep.TrustScore,
		"points_balance":         rep.PointsBalance,
		"lifetime_points":        rep.LifetimePoints,
		"level":                  rep.Level,
		"reports_submitted":      rep.ReportsSubmitted,
		"verifications_cast":     rep.VerificationsCast,
		"accurate_verifications": rep.AccurateVerifications,
		"identity_verified":      rep.IdentityVerified,
		"frozen":                 rep.Frozen,
		"frozen_at":              rep.FrozenAt,
		"updated_at":             rep.UpdatedAt,
	}).Error
}

func (t *gormTx) AppendLedgerEntry(entry *PointsLedgerEntry) error {
	return t.db.Create(entry).Error
}

func (t *gormTx) SumLedger(userID string) (int64, error) {
	var sum int64
	err := t.db.Model(&PointsLedgerEntry{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	return sum, err
}

func (t *gormTx) HasLedgerEntry(userID, incidentID string, reason LedgerReason) (bool, error) {
	var count int64
	err := t.db.Model(&PointsLedgerEntry{}).
		Where("user_id = ? AND incident_id = ? AND reason = ?", userID, incidentID, reason).
		Count(&count).Error
	return count > 0, err
}

func (t *gormTx) CreateStatusEvent(ev *StatusChangeEvent) error {
	if ev.PublishStatus == "" {
		ev.PublishStatus = OutboxPublishStatusPending
	}
	return t.db.Create(ev).Error
}

func (t *gormTx) CreateReconciliationReport(rep *ReconciliationReport) error {
	return t.db.Create(rep).Error
}
