package orchestrator

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyLock serializes work per case id through a fixed set of mutex shards.
// Two cases may share a shard; one case never runs concurrently with itself.
type keyLock struct {
	shards [lockShards]sync.Mutex
}

// Lock acquires the shard for key and returns the unlock func.
func (k *keyLock) Lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.shards[h.Sum32()%lockShards]
	m.Lock()
	return m.Unlock
}
