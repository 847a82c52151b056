package events

import (
	"context"
	"hash/fnv"
)

// Bus is an in-process, multi-producer fan-out of FileEvents to a fixed
// number of shards. Producers call Publish, which blocks if the shard is
// full rather than dropping the event — directory watchers apply this
// backpressure by queuing internally, and the SFTP executor applies it by
// halting AMQP prefetch, per the no-silent-drop invariant.
//
// Events for the same (source, path) always land on the same shard and
// are delivered to that shard's consumer in the order they were
// published (FIFO per producer); ordering across shards, and across
// distinct (source, path) pairs on different shards, is unspecified.
type Bus struct {
	shards []chan FileEvent
}

// NewBus allocates a Bus with the given shard count and per-shard buffer
// size. A shard count of 1 gives a single serial consumer; higher counts
// allow the dispatcher to process independent files in parallel while
// still routing any one (source, path) to a single shard.
func NewBus(shardCount, bufferSize int) *Bus {
	if shardCount < 1 {
		shardCount = 1
	}
	if bufferSize < 0 {
		bufferSize = 0
	}
	shards := make([]chan FileEvent, shardCount)
	for i := range shards {
		shards[i] = make(chan FileEvent, bufferSize)
	}
	return &Bus{shards: shards}
}

// ShardCount returns the number of shards the bus was created with.
func (b *Bus) ShardCount() int {
	return len(b.shards)
}

// ShardFor returns the shard index that events for (source, path) are
// routed to, exposed so callers (tests, reconciliation) can reason about
// placement without publishing.
func (b *Bus) ShardFor(source, path string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(source))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	return int(h.Sum32() % uint32(len(b.shards)))
}

// Publish routes evt to its shard and blocks until it is accepted or ctx
// is cancelled.
func (b *Bus) Publish(ctx context.Context, evt FileEvent) error {
	shard := b.shards[b.ShardFor(evt.Source, evt.Path)]
	select {
	case shard <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns the receive-only channel for the given shard index.
// The dispatcher engine runs one consumer goroutine per shard.
func (b *Bus) Subscribe(shard int) <-chan FileEvent {
	return b.shards[shard]
}

// Close closes every shard channel. Callers must ensure no further
// Publish calls occur after Close.
func (b *Bus) Close() {
	for _, s := range b.shards {
		close(s)
	}
}
