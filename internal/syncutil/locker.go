// Package syncutil provides keyed mutual exclusion.
//
// Two implementations of Locker exist: LocalLocker serialises callers in a
// single process, RedisLocker serialises across replicas that share a Redis.
package syncutil

import (
	"context"
	"errors"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// context was done.
var ErrLockTimeout = errors.New("syncutil: lock acquisition timed out")

// Locker acquires an exclusive lock on key. On success the returned func
// releases it and must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}
