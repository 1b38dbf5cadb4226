package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"telephony-gateway/pkg/utils"
)

// Dedup remembers provider event ids so redelivered webhooks are acked but
// not dispatched twice. Forget undoes a mark whose dispatch failed.
type Dedup interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

const dedupPrefix = "webhook:seen:"

// RedisDedup shares the seen-set across gateway replicas.
type RedisDedup struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDedup(rdb *redis.Client, ttl time.Duration) *RedisDedup {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDedup{rdb: rdb, ttl: ttl}
}

func (d *RedisDedup) FirstSeen(ctx context.Context, key string) (bool, error) {
	return utils.MarkOnce(ctx, d.rdb, dedupPrefix+key, d.ttl)
}

func (d *RedisDedup) Forget(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, dedupPrefix+key).Err()
}

// MemoryDedup is the single-process fallback.
type MemoryDedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

func NewMemoryDedup(ttl time.Duration) *MemoryDedup {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryDedup{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (d *MemoryDedup) FirstSeen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(d.ttl)
	if len(d.seen) > 4096 {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}
	return true, nil
}

func (d *MemoryDedup) Forget(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
	return nil
}
