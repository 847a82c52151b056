package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jjeffery/kv"

	"github.com/1Optic/cortex-dispatcher/internal/errkind"
)

func TestRunReturnsZeroWhenComponentsCompleteCleanly(t *testing.T) {
	s := New(nil, Component{
		Name: "noop",
		Run: func(ctx context.Context) kv.Error {
			return nil
		},
	})
	s.ShutdownDeadline = time.Second

	code := s.Run(context.Background())
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}

func TestRunRestartsTransientFailures(t *testing.T) {
	var calls int32
	ctx, cancel := context.WithCancel(context.Background())

	s := New(nil, Component{
		Name: "flaky",
		Run: func(ctx context.Context) kv.Error {
			n := atomic.AddInt32(&calls, 1)
			if n >= 3 {
				cancel()
				return nil
			}
			return errkind.New(errkind.TransientIO, "transient failure")
		},
	})
	s.ShutdownDeadline = 2 * time.Second

	code := s.Run(ctx)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if atomic.LoadInt32(&calls) < 3 {
		t.Fatalf("expected component to be run at least 3 times, got %d", calls)
	}
}

func TestRunEscalatesFatalFailures(t *testing.T) {
	s := New(nil, Component{
		Name: "broken",
		Run: func(ctx context.Context) kv.Error {
			return errkind.New(errkind.Config, "bad config")
		},
	})
	s.ShutdownDeadline = 2 * time.Second

	code := s.Run(context.Background())
	if code != 2 {
		t.Fatalf("expected exit code 2 for a fatal component failure, got %d", code)
	}
}
