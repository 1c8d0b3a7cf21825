// Package lock implements a Redis-backed mutual exclusion primitive shared by
// every server instance. Locks always carry a TTL so a crashed holder cannot
// block the resource forever.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces lock keys in the shared keyspace
const KeyPrefix = "lock:"

var (
	// ErrNotHeld is returned when a lock-protected step finds it no longer owns the lock
	ErrNotHeld = errors.New("lock not held")
	// ErrInvalidTTL is returned for non-positive TTLs
	ErrInvalidTTL = errors.New("lock ttl must be positive")
)

// compare-and-delete
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compare-and-pexpire
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker acquires and releases locks on behalf of a single owner
type Locker struct {
	rdb   redis.UniversalClient
	token string
}

// New creates a locker with a fresh owner token
func New(rdb redis.UniversalClient) *Locker {
	return &Locker{rdb: rdb, token: uuid.NewString()}
}

// NewWithToken creates a locker with a caller supplied owner token
func NewWithToken(rdb redis.UniversalClient, token string) *Locker {
	return &Locker{rdb: rdb, token: token}
}

// Token returns the owner token written into held locks
func (l *Locker) Token() string {
	return l.token
}

// Key returns the namespaced lock key of a resource
func Key(resource string) string {
	return KeyPrefix + resource
}

// Acquire sets key to the owner token only if it is absent. It fails closed:
// any store error yields false.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}

	ok, err := l.rdb.SetNX(ctx, key, l.token, ttl).Result()
	if err != nil {
		log.Printf("Warning: lock store unavailable, not acquiring %s: %v", key, err)
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return ok, nil
}

// Release deletes key only if this owner still holds it
func (l *Locker) Release(ctx context.Context, key string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, l.token).Int64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return n == 1, nil
}

// Extend refreshes the TTL of key only if this owner still holds it
func (l *Locker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}

	n, err := extendScript.Run(ctx, l.rdb, []string{key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", key, err)
	}
	return n == 1, nil
}

// TTL returns -2 if key is absent, -1 if it has no expiry, else the seconds remaining
func (l *Locker) TTL(ctx context.Context, key string) (int64, error) {
	n, err := l.rdb.Do(ctx, "TTL", key).Int64()
	if err != nil {
		return 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	return n, nil
}

// Owned reports whether key currently holds this owner's token
func (l *Locker) Owned(ctx context.Context, key string) (bool, error) {
	v, err := l.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check owner of %s: %w", key, err)
	}
	return v == l.token, nil
}

// Lease is a held lock handed to a critical section
type Lease struct {
	locker *Locker
	key    string
	ttl    time.Duration
}

// Check returns ErrNotHeld when the lease expired or was taken over. Call it
// right before committing side effects that assume exclusivity.
func (le *Lease) Check(ctx context.Context) error {
	owned, err := le.locker.Owned(ctx, le.key)
	if err != nil {
		return err
	}
	if !owned {
		return fmt.Errorf("%s: %w", le.key, ErrNotHeld)
	}
	return nil
}

// Extend refreshes the lease for another full TTL
func (le *Lease) Extend(ctx context.Context) error {
	ok, err := le.locker.Extend(ctx, le.key, le.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", le.key, ErrNotHeld)
	}
	return nil
}

// WithLock runs fn while holding key. acquired is false when another owner
// holds the lock or the store is unavailable; fn is not called in that case.
// The lock is released when fn returns, whatever the outcome.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context, lease *Lease) error) (acquired bool, err error) {
	ok, acqErr := l.Acquire(ctx, key, ttl)
	if !ok {
		return false, acqErr
	}

	defer func() {
		// Release with a fresh context so a cancelled run still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		released, relErr := l.Release(releaseCtx, key)
		if relErr != nil {
			log.Printf("Warning: failed to release %s: %v", key, relErr)
		} else if !released {
			log.Printf("Warning: %s expired before release, another owner may hold it", key)
		}
	}()

	return true, fn(ctx, &Lease{locker: l, key: key, ttl: ttl})
}
