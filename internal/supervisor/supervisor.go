// Package supervisor starts components, propagates cancellation, and
// restarts fallible subtasks with backoff. A component's stop/error
// channels feed into one shutdown decision shared across the whole
// process, rather than each component tearing itself down independently.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jjeffery/kv"
	"github.com/lthibault/jitterbug"

	"github.com/1Optic/cortex-dispatcher/internal/errkind"
	"github.com/1Optic/cortex-dispatcher/internal/logging"
)

// DefaultShutdownDeadline bounds the drain phase, counted from
// cancellation, before Run stops waiting for components.
const DefaultShutdownDeadline = 30 * time.Second

// Component is one independently-restartable unit of work.
type Component struct {
	Name string
	Run  func(ctx context.Context) kv.Error
}

// Supervisor owns the component set and the process-wide shutdown
// choreography.
type Supervisor struct {
	Components      []Component
	Logger          *logging.Logger
	ShutdownDeadline time.Duration

	stopC  chan os.Signal
	errorC chan kv.Error
}

// New constructs a Supervisor for the given components.
func New(logger *logging.Logger, components ...Component) *Supervisor {
	return &Supervisor{
		Components:       components,
		Logger:           logger,
		ShutdownDeadline: DefaultShutdownDeadline,
		stopC:            make(chan os.Signal, 2),
		errorC:           make(chan kv.Error, len(components)+1),
	}
}

// Run starts every component, restarting Transient failures with backoff
// and escalating Fatal failures to a process-wide cancellation, honoring
// SIGTERM/SIGINT for graceful shutdown. It returns the process exit code:
// 0 for a clean shutdown, 2 for an unrecoverable runtime error.
func (s *Supervisor) Run(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signal.Notify(s.stopC, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(s.stopC)

	var wg sync.WaitGroup
	for _, c := range s.Components {
		wg.Add(1)
		go func(c Component) {
			defer wg.Done()
			s.superviseComponent(ctx, cancel, c)
		}(c)
	}

	fatal := s.watchSignalsAndErrors(ctx, cancel)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(s.ShutdownDeadline):
			if s.Logger != nil {
				s.Logger.Warn("shutdown deadline exceeded, aborting remaining components")
			}
		}
	}

	if fatal() {
		return 2
	}
	return 0
}

// watchSignalsAndErrors returns a function reporting whether a fatal
// error was observed. It splits the work between a status/error watcher
// goroutine and a signal watcher goroutine.
func (s *Supervisor) watchSignalsAndErrors(ctx context.Context, cancel context.CancelFunc) func() bool {
	var mu sync.Mutex
	fatalSeen := false

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-s.errorC:
				if err == nil {
					continue
				}
				if s.Logger != nil {
					s.Logger.Error("component reported fatal error", "error", err)
				}
				mu.Lock()
				fatalSeen = true
				mu.Unlock()
				cancel()
			}
		}
	}()

	go func() {
		select {
		case <-s.stopC:
			if s.Logger != nil {
				s.Logger.Info("termination signal received, shutting down")
			}
			cancel()
			select {
			case <-s.stopC:
				if s.Logger != nil {
					s.Logger.Warn("second termination signal received, forcing immediate exit")
				}
				os.Exit(2)
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()

	return func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fatalSeen
	}
}

// superviseComponent runs one component, restarting Transient failures
// with exponential backoff and escalating Fatal ones.
func (s *Supervisor) superviseComponent(ctx context.Context, cancel context.CancelFunc, c Component) {
	current := time.Second
	jitter := &jitterbug.Norm{Stdev: 250 * time.Millisecond}
	const maxBackoff = 60 * time.Second

	for {
		err := c.Run(ctx)
		if err == nil {
			return
		}
		if errkind.Of(err) == errkind.Cancelled || ctx.Err() != nil {
			return
		}

		kind := errkind.Of(err)
		if s.Logger != nil {
			s.Logger.Warn("component exited", "component", c.Name, "kind", kind, "error", err)
		}

		if errkind.IsFatal(kind) {
			select {
			case s.errorC <- err:
			default:
			}
			return
		}

		wait := jitter.Jitter(current)
		if wait < 0 {
			wait = current
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
		current *= 2
		if current > maxBackoff {
			current = maxBackoff
		}
	}
}
