package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL bounds how long a delivery key is remembered. At-least-once
// transports redeliver within seconds or minutes; a day of memory is plenty.
const DefaultDedupTTL = 24 * time.Hour

// Deduper decides whether a trigger delivery has been seen before. Seen must
// atomically record the key on first sight so two concurrent deliveries of the
// same key cannot both start a run. Forget releases a recorded key when the
// delivery it was claimed for did not result in a run.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// MemoryDeduper remembers delivery keys in process memory. It protects a
// single engine instance against transport redelivery; shared deployments
// should use RedisDeduper instead.
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	return &MemoryDeduper{
		ttl:  ttl,
		seen: make(map[string]time.Time),
	}
}

func (d *MemoryDeduper) Seen(_ context.Context, key string) (bool, error) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, expires := range d.seen {
		if now.After(expires) {
			delete(d.seen, k)
		}
	}

	if _, ok := d.seen[key]; ok {
		return true, nil
	}

	d.seen[key] = now.Add(d.ttl)

	return false, nil
}

func (d *MemoryDeduper) Forget(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.seen, key)

	return nil
}

// RedisDeduper records delivery keys with SET NX so deduplication holds across
// engine instances sharing one Redis.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	return &RedisDeduper{
		client: client,
		prefix: "loom:dedup:",
		ttl:    ttl,
	}
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	created, err := d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record dedup key: %w", err)
	}

	return !created, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release dedup key: %w", err)
	}

	return nil
}

func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
