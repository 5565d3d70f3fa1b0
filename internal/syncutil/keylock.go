// Package syncutil holds concurrency primitives shared across packages.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyLock when given zero.
const DefaultShards = 256

// KeyLock serializes work per key using a fixed pool of channel-based
// mutexes. Memory stays bounded however many keys are seen; unrelated keys
// occasionally share a shard. Waiters give up when their context ends.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a lock pool with n shards.
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = DefaultShards
	}
	k := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{} // unlocked
	}
	return k
}

// Lock acquires the shard for key. On success the caller must call the
// returned unlock exactly once. If ctx ends first, Lock returns ctx.Err().
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	shard := k.shards[k.shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (k *KeyLock) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.shards))
}
