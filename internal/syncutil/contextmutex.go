package syncutil

import (
	"context"
)

// ContextShardedMutex is a sharded keyed lock whose waiters can give up when
// their context ends. Each shard is a one-slot channel holding the token.
type ContextShardedMutex struct {
	shards []chan struct{}
}

// NewContextShardedMutex creates a lock pool with n shards (DefaultShards if n <= 0).
func NewContextShardedMutex(n ...int) *ContextShardedMutex {
	size := DefaultShards
	if len(n) > 0 && n[0] > 0 {
		size = n[0]
	}
	m := &ContextShardedMutex{shards: make([]chan struct{}, size)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the lock for key. On success the caller must call the
// returned unlock function. If ctx ends first it returns ctx.Err().
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[shardIndex(key, len(m.shards))]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if it is free.
func (m *ContextShardedMutex) TryLock(key string) (func(), bool) {
	shard := m.shards[shardIndex(key, len(m.shards))]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, true
	default:
		return nil, false
	}
}
