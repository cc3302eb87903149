package workflow

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// newRedisRegistry swaps the registry onto a miniredis-backed locker and cache.
func newRedisRegistry(t *testing.T) (*Registry, *models.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	reg, store, _ := newTestRegistry(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	reg.Locker = NewRedisIncidentLocker(redislock.New(client), 300*time.Millisecond, 30*time.Second)
	reg.Cache = &RedisReadCache{Client: client, TTL: 5 * time.Minute}
	return reg, store, mr
}

// interleavingStore runs afterRead once, between the store read and the cache fill.
type interleavingStore struct {
	*models.MemoryStore
	afterRead func()
}

func (s *interleavingStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	inc, err := s.MemoryStore.GetIncident(ctx, id)
	if hook := s.afterRead; hook != nil {
		s.afterRead = nil
		hook()
	}
	return inc, err
}

func TestRedisCache_ReadDoesNotBlockVotes(t *testing.T) {
	reg, store, mr := newRedisRegistry(t)
	ctx := context.Background()
	seedTrust(t, store, "v1", 50)
	seedTrust(t, store, "v2", 50)
	inc := submitIncident(t, reg, "r1", models.UrgencyMedium)

	vote(t, reg, inc.ID, "v1", models.VerdictTrue)
	if _, err := reg.GetIncident(ctx, inc.ID); err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if !mr.Exists(incidentCacheKey(inc.ID)) {
		t.Fatalf("expected cached snapshot after read")
	}

	// The cached snapshot must not look like a held lock.
	vote(t, reg, inc.ID, "v2", models.VerdictTrue)

	got, err := reg.GetIncident(ctx, inc.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if got.VerificationCount != 2 {
		t.Fatalf("expected 2 verifications after invalidate, got %d", got.VerificationCount)
	}
}

func TestRedisCache_InvalidateKeepsHeldLock(t *testing.T) {
	reg, store, mr := newRedisRegistry(t)
	ctx := context.Background()
	seedTrust(t, store, "v1", 50)
	inc := submitIncident(t, reg, "r1", models.UrgencyMedium)

	release, err := reg.Locker.Acquire(ctx, inc.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if _, err := reg.GetIncident(ctx, inc.ID); err != nil {
		t.Fatalf("get incident: %v", err)
	}
	reg.Cache.Invalidate(ctx, []string{inc.ID}, nil)

	if !mr.Exists(incidentLockKey(inc.ID)) {
		t.Fatalf("lock key dropped by cache traffic")
	}
	if _, err := reg.SubmitVerification(ctx, models.NewVerificationInput{
		IncidentID: inc.ID, VoterID: "v1", Verdict: models.VerdictTrue,
	}); err == nil {
		t.Fatalf("expected contention while lock is held")
	}
}

func TestRedisCache_StaleFillDropped(t *testing.T) {
	reg, store, mr := newRedisRegistry(t)
	ctx := context.Background()
	seedTrust(t, store, "v1", 50)
	seedTrust(t, store, "v2", 50)
	inc := submitIncident(t, reg, "r1", models.UrgencyMedium)
	vote(t, reg, inc.ID, "v1", models.VerdictTrue)

	slow := &interleavingStore{MemoryStore: store}
	slow.afterRead = func() { vote(t, reg, inc.ID, "v2", models.VerdictTrue) }
	reg.Store = slow

	stale, err := reg.GetIncident(ctx, inc.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if stale.VerificationCount != 1 {
		t.Fatalf("expected the in-flight read to see 1, got %d", stale.VerificationCount)
	}
	if mr.Exists(incidentCacheKey(inc.ID)) {
		t.Fatalf("fill from before the vote was cached")
	}

	got, err := reg.GetIncident(ctx, inc.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if got.VerificationCount != 2 {
		t.Fatalf("expected 2 verifications, got %d", got.VerificationCount)
	}
}

func TestRedisCache_ReputationGeneration(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := &RedisReadCache{Client: client, TTL: time.Minute}
	ctx := context.Background()
	view := &models.ReputationView{UserID: "u1", Points: 10}

	_, gen, ok := cache.GetReputation(ctx, "u1")
	if ok || gen != "0" {
		t.Fatalf("expected miss with gen 0, got ok=%v gen=%q", ok, gen)
	}
	cache.Invalidate(ctx, nil, []string{"u1"})
	cache.SetReputation(ctx, view, gen)
	if _, _, ok := cache.GetReputation(ctx, "u1"); ok {
		t.Fatalf("fill under an old generation was stored")
	}

	_, gen, _ = cache.GetReputation(ctx, "u1")
	cache.SetReputation(ctx, view, gen)
	got, _, ok := cache.GetReputation(ctx, "u1")
	if !ok || got.Points != 10 {
		t.Fatalf("expected hit with 10 points, got %+v ok=%v", got, ok)
	}

	// An empty generation comes from a failed read and never fills.
	cache.Invalidate(ctx, nil, []string{"u1"})
	cache.SetReputation(ctx, view, "")
	if _, _, ok := cache.GetReputation(ctx, "u1"); ok {
		t.Fatalf("fill with empty generation was stored")
	}
}

func TestRedisCache_NilClientDisabled(t *testing.T) {
	cache := &RedisReadCache{}
	ctx := context.Background()
	cache.SetIncident(ctx, &models.Incident{ID: "x"}, "0")
	if _, gen, ok := cache.GetIncident(ctx, "x"); ok || gen != "" {
		t.Fatalf("nil client should always miss with no generation")
	}
	cache.Invalidate(ctx, []string{"x"}, nil)
}
