package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/config"
	"bitbucket.org/mmdatafocus/verify_backend/models"
	"bitbucket.org/mmdatafocus/verify_backend/utils"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ReadCache is a cache-aside layer for single-record reads. Misses and cache
// failures fall through to the store; writers invalidate after commit.
//
// A miss returns a generation token. The reader passes it back to Set*, and
// the fill is dropped when an Invalidate for the same record ran in between,
// so a slow reader cannot put a row older than the last commit back in.
type ReadCache interface {
	GetIncident(ctx context.Context, id string) (inc *models.Incident, gen string, ok bool)
	SetIncident(ctx context.Context, inc *models.Incident, gen string)
	GetReputation(ctx context.Context, userID string) (view *models.ReputationView, gen string, ok bool)
	SetReputation(ctx context.Context, view *models.ReputationView, gen string)
	Invalidate(ctx context.Context, incidentIDs []string, userIDs []string)
}

// genTTL outlives any read-to-fill window; an expired generation only costs a skipped fill.
const genTTL = 24 * time.Hour

// setIfGeneration writes KEYS[1] only while KEYS[2] still holds the caller's generation.
var setIfGeneration = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if not cur then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisReadCache stores JSON snapshots in redis. A nil Client disables it.
type RedisReadCache struct {
	Client *redis.Client
	TTL    time.Duration
	Logger *logrus.Logger
}

// Keys share a hash tag with their generation so the script stays on one slot.
func incidentCacheKey(id string) string   { return "cache:{incident:" + id + "}" }
func reputationCacheKey(id string) string { return "cache:{reputation:" + id + "}" }
func generationKey(dataKey string) string { return dataKey + ":gen" }

func (c *RedisReadCache) GetIncident(ctx context.Context, id string) (*models.Incident, string, bool) {
	var inc models.Incident
	gen, ok := c.get(ctx, "GetIncident", incidentCacheKey(id), &inc)
	if !ok {
		return nil, gen, false
	}
	return &inc, "", true
}

func (c *RedisReadCache) SetIncident(ctx context.Context, inc *models.Incident, gen string) {
	c.set(ctx, "SetIncident", incidentCacheKey(inc.ID), inc, gen)
}

func (c *RedisReadCache) GetReputation(ctx context.Context, userID string) (*models.ReputationView, string, bool) {
	var view models.ReputationView
	gen, ok := c.get(ctx, "GetReputation", reputationCacheKey(userID), &view)
	if !ok {
		return nil, gen, false
	}
	return &view, "", true
}

func (c *RedisReadCache) SetReputation(ctx context.Context, view *models.ReputationView, gen string) {
	c.set(ctx, "SetReputation", reputationCacheKey(view.UserID), view, gen)
}

// Invalidate drops the snapshots and bumps their generations.
func (c *RedisReadCache) Invalidate(ctx context.Context, incidentIDs []string, userIDs []string) {
	if c.Client == nil || len(incidentIDs)+len(userIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(incidentIDs)+len(userIDs))
	for _, id := range incidentIDs {
		keys = append(keys, incidentCacheKey(id))
	}
	for _, id := range userIDs {
		keys = append(keys, reputationCacheKey(id))
	}
	_, err := c.Client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range keys {
			p.Incr(ctx, generationKey(key))
			p.Expire(ctx, generationKey(key), genTTL)
			p.Del(ctx, key)
		}
		return nil
	})
	if err != nil {
		c.logErr("Invalidate", keys, err)
	}
}

// get returns ok on a hit; on a miss it returns the generation to fill under.
// An empty generation never matches, so fills after a redis error are skipped.
func (c *RedisReadCache) get(ctx context.Context, funcName, key string, dest any) (string, bool) {
	if c.Client == nil {
		return "", false
	}
	vals, err := c.Client.MGet(ctx, key, generationKey(key)).Result()
	if err != nil {
		c.logErr(funcName, key, err)
		return "", false
	}
	gen := "0"
	if s, ok := vals[1].(string); ok {
		gen = s
	}
	raw, ok := vals[0].(string)
	if !ok {
		return gen, false
	}
	if err := utils.UnmarshalFromJSON([]byte(raw), dest); err != nil {
		c.logErr(funcName, key, err)
		return gen, false
	}
	return "", true
}

func (c *RedisReadCache) set(ctx context.Context, funcName, key string, obj any, gen string) {
	if c.Client == nil || gen == "" {
		return
	}
	payload, err := utils.MarshalToJSON(obj)
	if err != nil {
		c.logErr(funcName, key, err)
		return
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	err = setIfGeneration.Run(ctx, c.Client, []string{key, generationKey(key)}, gen, payload, ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logErr(funcName, key, err)
	}
}

func (c *RedisReadCache) logErr(funcName string, data any, err error) {
	if c.Logger != nil {
		config.LogError(c.Logger, "RedisReadCache", funcName, "redis cache", data, err)
	}
}
