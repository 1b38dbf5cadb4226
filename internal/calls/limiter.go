package calls

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"telephony-gateway/internal/telephony"
	"telephony-gateway/pkg/utils"
)

// ErrOutboundCapacity is returned when the outbound cap for a provider is reached.
// It is transient: the caller may try again later.
var ErrOutboundCapacity = fmt.Errorf("%w: outbound call capacity reached", telephony.ErrProviderUnavailable)

// Limiter caps concurrent outbound calls per provider variant.
// release must be called exactly once when the call reaches a terminal state.
type Limiter interface {
	Acquire(ctx context.Context, v telephony.Variant) (release func(), err error)
}

// MemoryLimiter is a per-process cap. Zero limit means unlimited.
type MemoryLimiter struct {
	limit int

	mu    sync.Mutex
	inUse map[telephony.Variant]int
}

func NewMemoryLimiter(limit int) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, inUse: make(map[telephony.Variant]int)}
}

func (l *MemoryLimiter) Acquire(_ context.Context, v telephony.Variant) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.inUse[v] >= l.limit {
		return nil, ErrOutboundCapacity
	}
	l.inUse[v]++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.inUse[v]--
			l.mu.Unlock()
		})
	}, nil
}

func (l *MemoryLimiter) InUse(v telephony.Variant) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse[v]
}

// RedisLimiter shares the cap across gateway replicas. Zero limit means unlimited.
type RedisLimiter struct {
	rdb   *redis.Client
	limit int
	// TTL bounds a leaked slot if a replica dies mid-call.
	TTL    time.Duration
	Prefix string
}

func NewRedisLimiter(rdb *redis.Client, limit int) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, TTL: 4 * time.Hour, Prefix: "calls:outbound:"}
}

func (l *RedisLimiter) Acquire(ctx context.Context, v telephony.Variant) (func(), error) {
	if l.limit <= 0 {
		return func() {}, nil
	}
	key := l.Prefix + string(v)
	holder := uuid.NewString()
	ok, err := utils.AcquireSlot(ctx, l.rdb, key, holder, l.limit, l.TTL)
	if err != nil {
		return nil, fmt.Errorf("%w: outbound cap: %v", telephony.ErrProviderUnavailable, err)
	}
	if !ok {
		return nil, ErrOutboundCapacity
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = utils.ReleaseSlot(ctx, l.rdb, key, holder)
		})
	}, nil
}
