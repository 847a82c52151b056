package events

import (
	"context"
	"testing"
	"time"
)

func TestBusRoutesSamePathToSameShard(t *testing.T) {
	b := NewBus(4, 1)
	s1 := b.ShardFor("in", "/data/in/a.csv")
	s2 := b.ShardFor("in", "/data/in/a.csv")
	if s1 != s2 {
		t.Fatalf("expected stable shard routing, got %d and %d", s1, s2)
	}
}

func TestBusPublishAndSubscribe(t *testing.T) {
	b := NewBus(2, 4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	evt := FileEvent{Source: "in", Path: "/data/in/a.csv", Size: 12}
	if err := b.Publish(ctx, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	shard := b.ShardFor(evt.Source, evt.Path)
	select {
	case got := <-b.Subscribe(shard):
		if got.Path != evt.Path {
			t.Fatalf("expected path %q, got %q", evt.Path, got.Path)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestBusPublishBlocksWhenFull(t *testing.T) {
	b := NewBus(1, 1)
	ctx := context.Background()

	if err := b.Publish(ctx, FileEvent{Source: "in", Path: "/a"}); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	blockCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := b.Publish(blockCtx, FileEvent{Source: "in", Path: "/b"}); err == nil {
		t.Fatal("expected second publish to block until cancellation")
	}
}
