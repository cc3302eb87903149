package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/utils"
	"github.com/bsm/redislock"
	"gorm.io/gorm"
)

// IncidentLocker serializes work on one incident. Acquire waits a bounded
// time and fails with *utils.ContentionError when the wait runs out.
type IncidentLocker interface {
	Acquire(ctx context.Context, incidentID string) (release func(), err error)
}

// LocalIncidentLocker is an in-process keyed mutex with bounded waits.
type LocalIncidentLocker struct {
	Wait time.Duration

	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func NewLocalIncidentLocker(wait time.Duration) *LocalIncidentLocker {
	return &LocalIncidentLocker{Wait: wait, slots: map[string]*lockSlot{}}
}

func (l *LocalIncidentLocker) slot(id string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = map[string]*lockSlot{}
	}
	s, ok := l.slots[id]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[id] = s
	}
	s.refs++
	return s
}

func (l *LocalIncidentLocker) unref(id string, s *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, id)
	}
}

func (l *LocalIncidentLocker) Acquire(ctx context.Context, incidentID string) (func(), error) {
	s := l.slot(incidentID)
	timer := time.NewTimer(l.Wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
	case <-timer.C:
		l.unref(incidentID, s)
		return nil, &utils.ContentionError{IncidentID: incidentID, Waited: l.Wait}
	case <-ctx.Done():
		l.unref(incidentID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(incidentID, s)
		})
	}, nil
}

// RedisIncidentLocker serializes across replicas with redislock. The TTL bounds
// how long a crashed holder can block an incident.
type RedisIncidentLocker struct {
	Client *redislock.Client
	Wait   time.Duration
	TTL    time.Duration
	Retry  time.Duration
}

func incidentLockKey(id string) string { return "lock:incident:" + id }

func NewRedisIncidentLocker(client *redislock.Client, wait, ttl time.Duration) *RedisIncidentLocker {
	return &RedisIncidentLocker{Client: client, Wait: wait, TTL: ttl, Retry: 50 * time.Millisecond}
}

func (l *RedisIncidentLocker) Acquire(ctx context.Context, incidentID string) (func(), error) {
	if l.Client == nil {
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lctx, cancel := context.WithTimeout(ctx, l.Wait)
	defer cancel()

	lock, err := l.Client.Obtain(lctx, incidentLockKey(incidentID), l.TTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.Retry),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &utils.ContentionError{IncidentID: incidentID, Waited: l.Wait}
		}
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = lock.Release(context.Background())
		})
	}, nil
}

// MySQLIncidentLocker uses GET_LOCK advisory locks. GET_LOCK is connection
// scoped, so each hold pins a pooled connection until release.
type MySQLIncidentLocker struct {
	DB   *gorm.DB
	Wait time.Duration
}

func (l *MySQLIncidentLocker) Acquire(ctx context.Context, incidentID string) (func(), error) {
	sqlDB, err := l.DB.DB()
	if err != nil {
		return nil, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	lockName := fmt.Sprintf("incident:%s", incidentID)
	seconds := int(l.Wait / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	var ok sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", lockName, seconds).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !ok.Valid || ok.Int64 != 1 {
		_ = conn.Close()
		return nil, &utils.ContentionError{IncidentID: incidentID, Waited: l.Wait}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			var released sql.NullInt64
			_ = conn.QueryRowContext(context.Background(), "SELECT RELEASE_LOCK(?)", lockName).Scan(&released)
			_ = conn.Close()
		})
	}, nil
}
