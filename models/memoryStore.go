package models

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/utils"
)

// MemoryStore is a single-process Store. Transactions are serialized and
// stage their writes; the staged set is applied only when fn succeeds and ctx
// is still live, so an aborted call leaves nothing behind.
//
// txMu serializes every transaction, including votes on different incidents,
// so it does not model cross-incident parallelism. GormStore gets that from
// row locks; the workflow tests cover ordering within one incident only.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	incidents   map[string]Incident
	votes       map[string][]Verification
	reputations map[string]UserReputation
	ledger      []PointsLedgerEntry
	events      []StatusChangeEvent
	reports     []ReconciliationReport

	seq      int64
	voteID   int64
	ledgerID int64
	eventID  int64
	reportID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents:   map[string]Incident{},
		votes:       map[string][]Verification{},
		reputations: map[string]UserReputation{},
	}
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx StoreTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{
		s:           s,
		incidents:   map[string]Incident{},
		reputations: map[string]UserReputation{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, inc := range tx.incidents {
		s.incidents[id] = inc
	}
	for _, v := range tx.votes {
		s.votes[v.IncidentID] = append(s.votes[v.IncidentID], v)
	}
	for id, rep := range tx.reputations {
		s.reputations[id] = rep
	}
	s.ledger = append(s.ledger, tx.ledger...)
	s.events = append(s.events, tx.events...)
	s.reports = append(s.reports, tx.reports...)
}

func (s *MemoryStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return &inc, nil
}

func (s *MemoryStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	s.mu.RLock()
	out := make([]Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		inc := inc
		if filter.Matches(&inc) {
			out = append(out, inc)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return IncidentOrderLess(&out[i], &out[j]) })
	return out, nil
}

func (s *MemoryStore) ListVerifications(ctx context.Context, incidentID string) ([]Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Verification(nil), s.votes[incidentID]...), nil
}

func (s *MemoryStore) GetReputation(ctx context.Context, userID string) (*UserReputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rep, ok := s.reputations[userID]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return &rep, nil
}

func (s *MemoryStore) ListLedgerEntries(ctx context.Context, userID string) ([]PointsLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PointsLedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListLedgerMismatches(ctx context.Context) ([]LedgerMismatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sums := map[string]int64{}
	for _, e := range s.ledger {
		sums[e.UserID] += e.Amount
	}
	var out []LedgerMismatch
	for id, rep := range s.reputations {
		if rep.PointsBalance != sums[id] {
			out = append(out, LedgerMismatch{UserID: id, Balance: rep.PointsBalance, LedgerSum: sums[id]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) ListSettleableIncidents(ctx context.Context, votedBefore time.Time, limit int) ([]Incident, error) {
	s.mu.RLock()
	var out []Incident
	for _, inc := range s.incidents {
		if inc.Status == IncidentStatusPending || inc.LastVoteAt == nil || inc.LastVoteAt.After(votedBefore) {
			continue
		}
		if inc.LastSettledAt != nil && !inc.LastSettledAt.Before(*inc.LastVoteAt) {
			continue
		}
		out = append(out, inc)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastVoteAt.Equal(*out[j].LastVoteAt) {
			return out[i].LastVoteAt.Before(*out[j].LastVoteAt)
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStaleIncidents(ctx context.Context, createdBefore time.Time, limit int) ([]Incident, error) {
	s.mu.RLock()
	var out []Incident
	for _, inc := range s.incidents {
		if inc.Status == IncidentStatusPending && !inc.CreatedAt.After(createdBefore) {
			out = append(out, inc)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimPendingEvents(ctx context.Context, dispatcherID string, now, staleBefore time.Time, limit, maxAttempts int) ([]StatusChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []StatusChangeEvent
	for i := range s.events {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		ev := &s.events[i]
		if !ev.ClaimableAt(now, staleBefore) {
			continue
		}
		if maxAttempts > 0 && ev.PublishAttempts >= maxAttempts {
			msg := fmt.Sprintf("max publish attempts exceeded (%d)", maxAttempts)
			ev.PublishStatus = OutboxPublishStatusDead
			ev.LastPublishError = &msg
			ev.NextAttemptAt, ev.LockedAt, ev.LockedBy = nil, nil, nil
			continue
		}
		lockedAt, lockedBy := now, dispatcherID
		ev.PublishStatus = OutboxPublishStatusProcessing
		ev.LockedAt = &lockedAt
		ev.LockedBy = &lockedBy
		ev.PublishAttempts++
		ev.LastPublishError = nil
		ev.NextAttemptAt = nil
		claimed = append(claimed, *ev)
	}
	return claimed, nil
}

func (s *MemoryStore) findEvent(id int64) *StatusChangeEvent {
	for i := range s.events {
		if s.events[i].ID == id {
			return &s.events[i]
		}
	}
	return nil
}

func (s *MemoryStore) MarkEventSent(ctx context.Context, id int64, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.findEvent(id)
	if ev == nil {
		return utils.ErrorRecordNotFound
	}
	ev.PublishStatus = OutboxPublishStatusSent
	ev.PublishedAt = &at
	ev.PubSubMessageId = &messageID
	ev.LockedAt, ev.LockedBy, ev.NextAttemptAt = nil, nil, nil
	return nil
}

func (s *MemoryStore) MarkEventFailed(ctx context.Context, id int64, errMsg string, nextAttempt *time.Time, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.findEvent(id)
	if ev == nil {
		return utils.ErrorRecordNotFound
	}
	ev.PublishStatus = OutboxPublishStatusFailed
	ev.NextAttemptAt = nextAttempt
	if dead {
		ev.PublishStatus = OutboxPublishStatusDead
		ev.NextAttemptAt = nil
	}
	ev.LastPublishError = &errMsg
	ev.LockedAt, ev.LockedBy = nil, nil
	return nil
}

func (s *MemoryStore) ReplayEvents(ctx context.Context, statuses []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.events {
		ev := &s.events[i]
		for _, st := range statuses {
			if ev.PublishStatus != st {
				continue
			}
			ev.PublishStatus = OutboxPublishStatusPending
			ev.PublishAttempts = 0
			ev.NextAttemptAt, ev.LockedAt, ev.LockedBy, ev.LastPublishError = nil, nil, nil, nil
			n++
			break
		}
	}
	return n, nil
}

func (s *MemoryStore) ListEventsByIncident(ctx context.Context, incidentID string) ([]StatusChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StatusChangeEvent
	for _, ev := range s.events {
		if ev.IncidentID == incidentID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ListReconciliationReports returns every report written so far.
func (s *MemoryStore) ListReconciliationReports() []ReconciliationReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ReconciliationReport(nil), s.reports...)
}

// memTx reads committed state through the store and its own staged writes.
// Committed incidents, votes, reputations and ledger rows only change under
// txMu, which the transaction holds for its whole life.
type memTx struct {
	s *MemoryStore

	incidents   map[string]Incident
	votes       []Verification
	reputations map[string]UserReputation
	ledger      []PointsLedgerEntry
	events      []StatusChangeEvent
	reports     []ReconciliationReport
}

func (t *memTx) GetIncidentForUpdate(id string) (*Incident, error) {
	if inc, ok := t.incidents[id]; ok {
		return &inc, nil
	}
	inc, ok := t.s.incidents[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return &inc, nil
}

func (t *memTx) CreateIncident(inc *Incident) error {
	if _, ok := t.incidents[inc.ID]; ok {
		return fmt.Errorf("incident %q already exists", inc.ID)
	}
	if _, ok := t.s.incidents[inc.ID]; ok {
		return fmt.Errorf("incident %q already exists", inc.ID)
	}
	t.s.seq++
	inc.Seq = t.s.seq
	if inc.UpdatedAt.IsZero() {
		inc.UpdatedAt = inc.CreatedAt
	}
	t.incidents[inc.ID] = *inc
	return nil
}

func (t *memTx) UpdateIncident(inc *Incident) error {
	if _, err := t.GetIncidentForUpdate(inc.ID); err != nil {
		return err
	}
	t.incidents[inc.ID] = *inc
	return nil
}

func (t *memTx) FindVerification(incidentID, voterID string) (*Verification, error) {
	for _, v := range t.votes {
		if v.IncidentID == incidentID && v.VoterID == voterID {
			v := v
			return &v, nil
		}
	}
	for _, v := range t.s.votes[incidentID] {
		if v.VoterID == voterID {
			v := v
			return &v, nil
		}
	}
	return nil, nil
}

func (t *memTx) CreateVerification(v *Verification) error {
	existing, _ := t.FindVerification(v.IncidentID, v.VoterID)
	if existing != nil {
		return utils.ErrDuplicateVerification
	}
	t.s.voteID++
	v.ID = t.s.voteID
	t.votes = append(t.votes, *v)
	return nil
}

func (t *memTx) ListVerifications(incidentID string) ([]Verification, error) {
	out := append([]Verification(nil), t.s.votes[incidentID]...)
	for _, v := range t.votes {
		if v.IncidentID == incidentID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (t *memTx) LockReputations(userIDs []string) (map[string]UserReputation, error) {
	out := make(map[string]UserReputation, len(userIDs))
	for _, id := range userIDs {
		rep, err := t.FindReputation(id)
		if err != nil {
			return nil, err
		}
		if rep != nil {
			out[id] = *rep
		}
	}
	return out, nil
}

func (t *memTx) FindReputation(userID string) (*UserReputation, error) {
	if rep, ok := t.reputations[userID]; ok {
		return &rep, nil
	}
	if rep, ok := t.s.reputations[userID]; ok {
		return &rep, nil
	}
	return nil, nil
}

func (t *memTx) CreateReputation(rep *UserReputation) error {
	existing, _ := t.FindReputation(rep.UserID)
	if existing != nil {
		return nil
	}
	t.reputations[rep.UserID] = *rep
	return nil
}

func (t *memTx) UpdateReputation(rep *UserReputation) error {
	existing, _ := t.FindReputation(rep.UserID)
	if existing == nil {
		return utils.ErrorRecordNotFound
	}
	t.reputations[rep.UserID] = *rep
	return nil
}

func (t *memTx) eachLedgerEntry(fn func(e *PointsLedgerEntry)) {
	for i := range t.s.ledger {
		fn(&t.s.ledger[i])
	}
	for i := range t.ledger {
		fn(&t.ledger[i])
	}
}

func (t *memTx) AppendLedgerEntry(entry *PointsLedgerEntry) error {
	dup := false
	t.eachLedgerEntry(func(e *PointsLedgerEntry) {
		if e.UserID == entry.UserID && e.IncidentID == entry.IncidentID && e.Reason == entry.Reason && e.Reference == entry.Reference {
			dup = true
		}
	})
	if dup {
		return fmt.Errorf("ledger entry %s/%s/%s already recorded", entry.UserID, entry.IncidentID, entry.Reason)
	}
	t.s.ledgerID++
	entry.ID = t.s.ledgerID
	t.ledger = append(t.ledger, *entry)
	return nil
}

func (t *memTx) SumLedger(userID string) (int64, error) {
	var sum int64
	t.eachLedgerEntry(func(e *PointsLedgerEntry) {
		if e.UserID == userID {
			sum += e.Amount
		}
	})
	return sum, nil
}

func (t *memTx) HasLedgerEntry(userID, incidentID string, reason LedgerReason) (bool, error) {
	found := false
	t.eachLedgerEntry(func(e *PointsLedgerEntry) {
		if e.UserID == userID && e.IncidentID == incidentID && e.Reason == reason {
			found = true
		}
	})
	return found, nil
}

func (t *memTx) CreateStatusEvent(ev *StatusChangeEvent) error {
	t.s.eventID++
	ev.ID = t.s.eventID
	if ev.PublishStatus == "" {
		ev.PublishStatus = OutboxPublishStatusPending
	}
	t.events = append(t.events, *ev)
	return nil
}

func (t *memTx) CreateReconciliationReport(rep *ReconciliationReport) error {
	t.s.reportID++
	rep.ID = t.s.reportID
	if rep.CreatedAt.IsZero() {
		rep.CreatedAt = time.Now().UTC()
	}
	t.reports = append(t.reports, *rep)
	return nil
}
