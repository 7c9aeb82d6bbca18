package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache records one-time keys. Claim reports true only for the first
// caller to present a key within ttl.
//
// Implementations must make the check and the insert a single step; callback
// handlers for different transactions run concurrently.
type ReplayCache interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemReplayCache is a per-process ReplayCache. Behind a load balancer two
// replicas will each accept the same key once; use RedisReplayCache there.
type MemReplayCache struct {
	entries map[string]time.Time
	now     func() time.Time

	lk sync.Mutex
}

var _ ReplayCache = &MemReplayCache{}

func NewMemReplayCache() *MemReplayCache {
	return &MemReplayCache{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemReplayCache) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	now := m.now()

	// lazy cleanup keeps the map bounded by the number of live transactions
	for k, exp := range m.entries {
		if !exp.After(now) {
			delete(m.entries, k)
		}
	}

	if _, ok := m.entries[key]; ok {
		return false, nil
	}

	m.entries[key] = now.Add(ttl)
	return true, nil
}

func (m *MemReplayCache) Len() int {
	m.lk.Lock()
	defer m.lk.Unlock()

	return len(m.entries)
}

type RedisReplayCache struct {
	rdb    *redis.Client
	prefix string
}

var _ ReplayCache = &RedisReplayCache{}

func NewRedisReplayCache(ctx context.Context, redisURL string) (*RedisReplayCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisReplayCache{
		rdb:    rdb,
		prefix: "atproto_oauth_txn/",
	}, nil
}

func (r *RedisReplayCache) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record transaction: %w", err)
	}

	return ok, nil
}

func (r *RedisReplayCache) Close() error {
	return r.rdb.Close()
}
