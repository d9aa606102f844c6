package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "acq:"

// Redis is a store backed by a shared Redis deployment. The stale window is
// enforced by key expiry; freshness bookkeeping travels in the envelope.
type Redis struct {
	client goredis.UniversalClient
	prefix string
	opts   Options
	hooks  MetricsHooks
}

type redisEnvelope struct {
	Value     []byte    `json:"v"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewRedis creates a Redis-backed store. An empty prefix selects the default.
func NewRedis(client goredis.UniversalClient, prefix string, opts Options, hooks MetricsHooks) *Redis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
		opts:   opts,
		hooks:  hooks,
	}
}

func (r *Redis) key(key string) string {
	return r.prefix + key
}

func (r *Redis) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			r.hooks.miss()
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Corrupt envelope; drop it rather than serving garbage.
		_ = r.client.Del(ctx, r.key(key)).Err()
		r.hooks.miss()
		return nil, false, nil
	}

	e := &Entry{
		Value:     env.Value,
		StoredAt:  env.StoredAt,
		ExpiresAt: env.ExpiresAt,
		StaleAt:   env.ExpiresAt.Add(r.opts.StaleWindow),
	}
	r.hooks.hit(e.Fresh(time.Now()))
	return e, true, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	env := redisEnvelope{
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode cache envelope %s: %w", key, err)
	}

	if err := r.client.Set(ctx, r.key(key), payload, ttl+r.opts.StaleWindow).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	r.hooks.store()
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	var count int
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return count, nil
}
