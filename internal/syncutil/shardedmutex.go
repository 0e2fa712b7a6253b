// Package syncutil serializes in-process work on the same entity.
package syncutil

import (
	"context"
	"sync"
)

const shardCount = 256

// ShardedMutex is a fixed-size pool of context-aware mutexes keyed by entity
// ID. Memory stays bounded regardless of how many IDs are seen, at the cost
// of occasional false sharing between IDs on the same shard.
//
// It only orders callers inside one process. Cross-process exclusion comes
// from the database row locks.
type ShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

func (m *ShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{} // start unlocked
		}
	})
}

// Lock acquires the mutex for id, giving up when ctx is done. On success the
// caller must call the returned unlock function.
func (m *ShardedMutex) Lock(ctx context.Context, id int64) (func(), error) {
	m.init()
	shard := m.shards[shardIndex(id)]

	select {
	case <-shard:
		var once sync.Once
		return func() { once.Do(func() { shard <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIndex(id int64) uint64 {
	// Fibonacci hashing spreads sequential IDs across shards.
	return (uint64(id) * 11400714819323198485) >> 56
}
