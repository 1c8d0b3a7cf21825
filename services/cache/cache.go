// Package cache provides a two-tier cache: Redis as the fast volatile tier and
// a durable document collection used whenever Redis is unreachable. Callers
// never learn which tier served a request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DurableStore is the fallback tier. Implementations must never return
// entries whose expiry has passed.
type DurableStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, expiresAt *time.Time) error
	Delete(ctx context.Context, key string) (int64, error)
	// DeleteContaining removes every key containing substr. It approximates
	// glob deletes on the volatile tier.
	DeleteContaining(ctx context.Context, substr string) (int64, error)
	// ExpiresAt reports whether key exists and its expiry (nil when none).
	ExpiresAt(ctx context.Context, key string) (*time.Time, bool, error)
}

// TieredCache is safe for concurrent use
type TieredCache struct {
	primary          redis.UniversalClient
	durable          DurableStore
	primaryAvailable atomic.Bool
	now              func() time.Time

	// keys and patterns changed on the durable tier only, replayed to the
	// primary before it serves again
	mu            sync.Mutex
	dirty         atomic.Bool
	dirtyKeys     map[string]struct{}
	dirtyPatterns map[string]struct{}
}

// Option configures a TieredCache
type Option func(*TieredCache)

// WithClock overrides the clock used to compute durable expiries
func WithClock(now func() time.Time) Option {
	return func(c *TieredCache) {
		c.now = now
	}
}

// New creates a tiered cache and registers a hook on the primary client so
// dial failures flip the availability flag without probing on every call.
func New(primary redis.UniversalClient, durable DurableStore, opts ...Option) *TieredCache {
	c := &TieredCache{
		primary:       primary,
		durable:       durable,
		now:           time.Now,
		dirtyKeys:     make(map[string]struct{}),
		dirtyPatterns: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.primaryAvailable.Store(primary != nil)
	if primary != nil {
		primary.AddHook(availabilityHook{cache: c})
	}
	return c
}

// PrimaryAvailable reports whether the volatile tier is currently used
func (c *TieredCache) PrimaryAvailable() bool {
	return c.primaryAvailable.Load()
}

func (c *TieredCache) setPrimaryAvailable(ok bool) {
	if c.primaryAvailable.Swap(ok) != ok {
		if ok {
			log.Println("Cache: redis reachable again, using volatile tier")
		} else {
			log.Println("Warning: cache: redis unreachable, falling back to durable tier")
		}
	}
}

// WatchPrimary pings the volatile tier every interval until ctx is done and
// restores it once it answers again.
func (c *TieredCache) WatchPrimary(ctx context.Context, interval time.Duration) {
	if c.primary == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := c.primary.Ping(pingCtx).Err()
			cancel()
			c.setPrimaryAvailable(err == nil)
		}
	}
}

// usePrimary reports whether the operation should try the volatile tier.
// Changes made during an outage are replayed first; until that succeeds the
// durable tier keeps serving.
func (c *TieredCache) usePrimary(ctx context.Context) bool {
	if c.primary == nil || !c.primaryAvailable.Load() {
		return false
	}
	if !c.dirty.Load() {
		return true
	}
	if err := c.resync(ctx); err != nil {
		if isConnectionError(err) {
			c.setPrimaryAvailable(false)
		}
		log.Printf("Warning: cache: replaying outage writes to redis failed, staying on durable tier: %v", err)
		return false
	}
	return true
}

// markDirty records a key or pattern changed while the primary was skipped
func (c *TieredCache) markDirty(keyOrPattern string) {
	if c.primary == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if isPattern(keyOrPattern) {
		c.dirtyPatterns[keyOrPattern] = struct{}{}
	} else {
		c.dirtyKeys[keyOrPattern] = struct{}{}
	}
	c.dirty.Store(true)
}

// resync brings the primary in line with the durable tier. Pattern deletes
// run before single keys so a key written after a pattern delete survives.
func (c *TieredCache) resync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for pattern := range c.dirtyPatterns {
		if _, err := c.deletePrimaryPattern(ctx, pattern); err != nil {
			return fmt.Errorf("replay del %s: %w", pattern, err)
		}
		delete(c.dirtyPatterns, pattern)
	}
	replayed := len(c.dirtyKeys)
	for key := range c.dirtyKeys {
		if err := c.replayKey(ctx, key); err != nil {
			return fmt.Errorf("replay %s: %w", key, err)
		}
		delete(c.dirtyKeys, key)
	}

	c.dirty.Store(false)
	log.Printf("Cache: replayed %d outage writes to redis", replayed)
	return nil
}

// replayKey copies the durable value of key to the primary with its
// remaining ttl, or deletes it there when the durable tier has none. The
// durable copy is dropped afterwards so a later outage cannot serve it.
func (c *TieredCache) replayKey(ctx context.Context, key string) error {
	value, ok, err := c.durable.Get(ctx, key)
	if err != nil {
		return err
	}
	var expiresAt *time.Time
	if ok {
		expiresAt, ok, err = c.durable.ExpiresAt(ctx, key)
		if err != nil {
			return err
		}
	}

	var ttl time.Duration
	if ok && expiresAt != nil {
		ttl = expiresAt.Sub(c.now())
		ok = ttl > 0
	}
	if !ok {
		return c.primary.Del(ctx, key).Err()
	}

	if err := c.primary.Set(ctx, key, value, ttl).Err(); err != nil {
		return err
	}
	_, err = c.durable.Delete(ctx, key)
	return err
}

// primaryFailed records a volatile-tier error. It returns true when the
// operation should be retried on the durable tier.
func (c *TieredCache) primaryFailed(op, key string, err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if isConnectionError(err) {
		c.setPrimaryAvailable(false)
	}
	log.Printf("Warning: cache %s %s on redis failed, using durable tier: %v", op, key, err)
	return true
}

// Get returns the cached value of key
func (c *TieredCache) Get(ctx context.Context, key string) (string, bool, error) {
	if c.usePrimary(ctx) {
		v, err := c.primary.Get(ctx, key).Result()
		if err == nil {
			return v, true, nil
		}
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		c.primaryFailed("get", key, err)
	}
	return c.durable.Get(ctx, key)
}

// Set stores value under key. A zero ttl stores without expiry.
func (c *TieredCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("cache set %s: negative ttl", key)
	}
	if c.usePrimary(ctx) {
		err := c.primary.Set(ctx, key, value, ttl).Err()
		if err == nil {
			return nil
		}
		c.primaryFailed("set", key, err)
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := c.now().Add(ttl)
		expiresAt = &t
	}
	if err := c.durable.Set(ctx, key, value, expiresAt); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	c.markDirty(key)
	return nil
}

// Del removes key, or every key matching a glob pattern when it contains
// '*' or '?'. The durable tier is always invalidated too so a value written
// during an outage cannot resurface later.
func (c *TieredCache) Del(ctx context.Context, keyOrPattern string) (int64, error) {
	pattern := isPattern(keyOrPattern)
	var removed int64
	primaryDone := false

	if c.usePrimary(ctx) {
		var err error
		if pattern {
			removed, err = c.deletePrimaryPattern(ctx, keyOrPattern)
		} else {
			removed, err = c.primary.Del(ctx, keyOrPattern).Result()
		}
		if err != nil {
			c.primaryFailed("del", keyOrPattern, err)
			removed = 0
		} else {
			primaryDone = true
		}
	}

	var n int64
	var err error
	if pattern {
		n, err = c.durable.DeleteContaining(ctx, patternSubstring(keyOrPattern))
	} else {
		n, err = c.durable.Delete(ctx, keyOrPattern)
	}
	if err != nil {
		return removed, fmt.Errorf("cache del %s: %w", keyOrPattern, err)
	}
	if !primaryDone {
		c.markDirty(keyOrPattern)
	}
	if n > removed {
		removed = n
	}
	return removed, nil
}

func (c *TieredCache) deletePrimaryPattern(ctx context.Context, pattern string) (int64, error) {
	var removed int64
	iter := c.primary.Scan(ctx, 0, pattern, 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			n, err := c.primary.Del(ctx, batch...).Result()
			if err != nil {
				return removed, err
			}
			removed += n
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	if len(batch) > 0 {
		n, err := c.primary.Del(ctx, batch...).Result()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// Exists reports whether key holds an unexpired value
func (c *TieredCache) Exists(ctx context.Context, key string) (bool, error) {
	if c.usePrimary(ctx) {
		n, err := c.primary.Exists(ctx, key).Result()
		if err == nil {
			return n > 0, nil
		}
		c.primaryFailed("exists", key, err)
	}
	_, ok, err := c.durable.ExpiresAt(ctx, key)
	return ok, err
}

// TTL returns -2 if key is absent, -1 if it has no expiry, else seconds remaining
func (c *TieredCache) TTL(ctx context.Context, key string) (int64, error) {
	if c.usePrimary(ctx) {
		n, err := c.primary.Do(ctx, "TTL", key).Int64()
		if err == nil {
			return n, nil
		}
		c.primaryFailed("ttl", key, err)
	}

	expiresAt, ok, err := c.durable.ExpiresAt(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return -2, nil
	}
	if expiresAt == nil {
		return -1, nil
	}
	return int64(math.Ceil(expiresAt.Sub(c.now()).Seconds())), nil
}

// GetJSON decodes the cached value of key into dest
func (c *TieredCache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	v, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(v), dest); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes value and stores it under key
func (c *TieredCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, string(data), ttl)
}

func isPattern(key string) bool {
	return strings.ContainsAny(key, "*?")
}

// patternSubstring turns a glob into the literal text used for containment
// matching on the durable tier, e.g. "indices:*" -> "indices:".
func patternSubstring(pattern string) string {
	return strings.NewReplacer("*", "", "?", "").Replace(pattern)
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded)
}

// availabilityHook flips the availability flag from connection events
type availabilityHook struct {
	cache *TieredCache
}

func (h availabilityHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		h.cache.setPrimaryAvailable(err == nil)
		return conn, err
	}
}

func (h availabilityHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return next
}

func (h availabilityHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}
