// Package broker is the Redis client used for response lists, pub/sub
// signalling, distributed leases and idempotency marks. All instances of the
// API share state only through this broker and the database.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultOpTimeout bounds every unary broker operation. Subscriptions are
// long-lived and exempt.
const DefaultOpTimeout = 5 * time.Second

var (
	// ErrLockNotAcquired is returned when a lease is already held elsewhere.
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockLost is returned when releasing a lease another owner now holds.
	ErrLockLost = errors.New("lock lost or expired")
)

// releaseScript deletes a lease key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Client wraps go-redis with the operations the control plane needs.
type Client struct {
	rdb       *redis.Client
	log       *zap.Logger
	opTimeout time.Duration
}

// Connect dials the broker and verifies connectivity.
func Connect(ctx context.Context, url string, log *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Client{rdb: rdb, log: log, opTimeout: DefaultOpTimeout}, nil
}

// NewWithClient wraps an existing connection. Used by tests with miniredis.
func NewWithClient(rdb *redis.Client, log *zap.Logger) *Client {
	return &Client{rdb: rdb, log: log, opTimeout: DefaultOpTimeout}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// Ping checks connectivity, used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// RPush appends values to an ordered list. Append order is the authoritative
// stream order for run responses.
func (c *Client) RPush(ctx context.Context, key string, values ...any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.RPush(ctx, key, values...).Err()
}

// LRange reads list elements between start and stop inclusive. Negative
// indexes follow Redis conventions.
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.LRange(ctx, key, start, stop).Result()
}

// LLen returns the list length.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.LLen(ctx, key).Result()
}

// Delete removes keys. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Del(ctx, keys...).Err()
}

// Expire sets a TTL on a key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// Set stores a value with a TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns the value at key, or redis.Nil if absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Get(ctx, key).Result()
}

// Exists reports whether the key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// SetNX sets a key only when absent. Returns true when this call set it.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// MarkOnce places an idempotency mark. Returns true when the mark is new,
// false when some instance already placed it.
func (c *Client) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.SetNX(ctx, key, "1", ttl)
}

// Publish sends a message on a pub/sub channel. Delivery is best-effort;
// durable state lives in lists and the database.
func (c *Client) Publish(ctx context.Context, channel string, message any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe opens a pub/sub subscription on the given channels. The caller
// owns Close. No operation timeout applies; cancellation comes from ctx on
// the receive side.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// ScanKeys enumerates keys matching a glob pattern without blocking the
// broker the way KEYS would.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", pattern, err)
	}
	return keys, nil
}

// Lock is a held distributed lease. Release is compare-and-delete so an
// expired lease taken over by another owner is never clobbered.
type Lock struct {
	Name  string
	key   string
	token string
	c     *Client
}

// AcquireLock takes the named lease for ttl. ErrLockNotAcquired when held.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := LockKey(name)
	token := uuid.NewString()
	ok, err := c.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return &Lock{Name: name, key: key, token: token, c: c}, nil
}

// Release frees the lease if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	ctx, cancel := l.c.withTimeout(ctx)
	defer cancel()
	n, err := releaseScript.Run(ctx, l.c.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.Name, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}
