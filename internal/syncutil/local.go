package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const localShards = 256

// LocalLocker is a fixed-size pool of channel-based mutexes keyed by string.
// Memory is bounded regardless of how many keys are seen, at the cost of
// occasional false sharing between keys that hash to the same shard.
// Waiters can bail out when their context is cancelled.
type LocalLocker struct {
	shards [localShards]chanMutex
	once   sync.Once
}

type chanMutex struct {
	ch chan struct{}
}

var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker creates a new in-process locker.
func NewLocalLocker() *LocalLocker {
	l := &LocalLocker{}
	l.init()
	return l
}

func (l *LocalLocker) init() {
	l.once.Do(func() {
		for i := range l.shards {
			l.shards[i].ch = make(chan struct{}, 1)
			l.shards[i].ch <- struct{}{} // unlocked
		}
	})
}

// Lock acquires the shard for key, respecting context cancellation.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.init()
	shard := &l.shards[shardIdx(key)]

	select {
	case <-shard.ch:
		var once sync.Once
		return func() { once.Do(func() { shard.ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % localShards
}
