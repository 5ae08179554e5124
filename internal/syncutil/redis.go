package syncutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it is still held by our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker backed by SET NX PX. The lease bounds how long a
// crashed holder can block others; it must exceed the longest critical
// section it protects.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
	poll   time.Duration
	logger *slog.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a Redis-backed locker. Keys are namespaced with prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string, lease time.Duration, logger *slog.Logger) *RedisLocker {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		lease:  lease,
		poll:   25 * time.Millisecond,
		logger: logger,
	}
}

// Lock polls until the key is acquired or ctx is done.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	full := r.prefix + key

	for {
		ok, err := r.client.SetNX(ctx, full, token, r.lease).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("syncutil: redis lock %s: %w", key, err)
		}
		if ok {
			return func() { r.release(full, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-time.After(r.poll):
		}
	}
}

func (r *RedisLocker) release(key, token string) {
	// Release must run even if the caller's context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
		r.logger.Warn("failed to release redis lock", "key", key, "error", err)
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
