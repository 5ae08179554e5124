package syncutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "lock:", 5*time.Second, nil), mr
}

func TestRedisLocker_LockAndRelease(t *testing.T) {
	l, mr := newTestRedisLocker(t)

	unlock, err := l.Lock(context.Background(), "charge:pay_1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:charge:pay_1"))

	unlock()
	assert.False(t, mr.Exists("lock:charge:pay_1"))
}

func TestRedisLocker_ContendedLockTimesOut(t *testing.T) {
	l, _ := newTestRedisLocker(t)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockTimeout) || errors.Is(err, context.DeadlineExceeded))
}

func TestRedisLocker_ReleaseDoesNotStealForeignLock(t *testing.T) {
	l, mr := newTestRedisLocker(t)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	// Simulate lease expiry and takeover by another holder.
	require.NoError(t, mr.Set("lock:k", "someone-else"))
	unlock()

	got, err := mr.Get("lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_WaiterAcquiresAfterRelease(t *testing.T) {
	l, _ := newTestRedisLocker(t)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		u, err := l.Lock(ctx, "k")
		if err == nil {
			u()
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	unlock()
	require.NoError(t, <-done)
}
