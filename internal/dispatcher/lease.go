package dispatcher

import (
	"hash/fnv"
	"sync"
)

// leaseTable is a sharded mutex keyed by (source, path), giving the
// dispatcher its per-file critical section without a single global lock.
type leaseTable struct {
	shards []*sync.Mutex
}

func newLeaseTable(shardCount int) *leaseTable {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*sync.Mutex, shardCount)
	for i := range shards {
		shards[i] = &sync.Mutex{}
	}
	return &leaseTable{shards: shards}
}

func (lt *leaseTable) shardFor(source, path string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(source))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	return lt.shards[h.Sum32()%uint32(len(lt.shards))]
}

// acquire blocks until the (source, path) lease is held, returning a
// release function the caller must invoke exactly once.
func (lt *leaseTable) acquire(source, path string) (release func()) {
	m := lt.shardFor(source, path)
	m.Lock()
	return m.Unlock
}
