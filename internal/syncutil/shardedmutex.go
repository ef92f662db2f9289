// Package syncutil provides keyed locks that serialize work on one order,
// wallet or product without a lock per key.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count used by the zero value and the constructors.
const DefaultShards = 256

// ShardedMutex is a fixed pool of mutexes keyed by string. Keys that hash to
// the same shard share a lock. The zero value is ready to use.
type ShardedMutex struct {
	shards [DefaultShards]sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key, DefaultShards)]
	mu.Lock()
	return mu.Unlock
}

func shardIndex(key string, n int) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(n)
}
