package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupGuard claims a trigger's dedup window so that only one dispatcher fires
// it per window, across processes when backed by a shared store.
type DedupGuard interface {
	// Claim returns true when the caller now owns key for ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim, e.g. when the dispatch it guarded failed.
	Release(ctx context.Context, key string) error
}

// --- MemoryGuard ---

// MemoryGuard is an in-process DedupGuard. Suitable for tests and single-instance deployments.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// MemoryOption configures a MemoryGuard.
type MemoryOption func(*MemoryGuard)

// WithGuardClock overrides time.Now for claim expiry.
func WithGuardClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGuard) { g.now = now }
}

// NewMemoryGuard creates an empty in-memory guard.
func NewMemoryGuard(opts ...MemoryOption) *MemoryGuard {
	g := &MemoryGuard{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Claim records key until now+ttl unless an unexpired claim exists.
func (g *MemoryGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if exp, ok := g.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	g.entries[key] = now.Add(ttl)
	return true, nil
}

// Release forgets key.
func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.entries, key)
	g.mu.Unlock()
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// --- RedisGuard ---

// RedisGuard is a Redis-backed DedupGuard using SET NX with an expiry.
type RedisGuard struct {
	client redis.Cmdable
	prefix string
}

// RedisOption configures a RedisGuard.
type RedisOption func(*RedisGuard)

// WithPrefix overrides the key prefix (default "chainops:dedup:").
func WithPrefix(p string) RedisOption { return func(g *RedisGuard) { g.prefix = p } }

// NewRedisGuard creates a guard over client.
func NewRedisGuard(client redis.Cmdable, opts ...RedisOption) *RedisGuard {
	g := &RedisGuard{client: client, prefix: "chainops:dedup:"}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Claim sets the key only if absent.
func (g *RedisGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", g.prefix+key, err)
	}
	return ok, nil
}

// Release deletes the key.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", g.prefix+key, err)
	}
	return nil
}
