package routing

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const overridesKey = "routing:overrides"

// RedisOverrides shares overrides between gateway replicas. All overrides
// live in one hash keyed by id; expired entries are removed on read.
type RedisOverrides struct {
	rdb *redis.Client
	key string
}

func NewRedisOverrides(rdb *redis.Client) *RedisOverrides {
	return &RedisOverrides{rdb: rdb, key: overridesKey}
}

func (r *RedisOverrides) Put(ctx context.Context, o Override) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, r.key, o.ID, b).Err()
}

func (r *RedisOverrides) Active(ctx context.Context, number string, now time.Time) (Override, bool, error) {
	all, err := r.live(ctx, now)
	if err != nil {
		return Override{}, false, err
	}
	var (
		best  Override
		found bool
	)
	for _, o := range all {
		if o.Number == number && (!found || o.CreatedAt.After(best.CreatedAt)) {
			best, found = o, true
		}
	}
	return best, found, nil
}

func (r *RedisOverrides) List(ctx context.Context, now time.Time) ([]Override, error) {
	out, err := r.live(ctx, now)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *RedisOverrides) Delete(ctx context.Context, id string) (bool, error) {
	n, err := r.rdb.HDel(ctx, r.key, id).Result()
	return n > 0, err
}

func (r *RedisOverrides) live(ctx context.Context, now time.Time) ([]Override, error) {
	raw, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	var (
		out   []Override
		stale []string
	)
	for id, v := range raw {
		var o Override
		if err := json.Unmarshal([]byte(v), &o); err != nil || !o.ExpiresAt.After(now) {
			stale = append(stale, id)
			continue
		}
		out = append(out, o)
	}
	if len(stale) > 0 {
		_ = r.rdb.HDel(ctx, r.key, stale...).Err()
	}
	return out, nil
}
