// Package dispatcher is the central serializer of file identity and
// target fan-out.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"go.uber.org/atomic"

	"github.com/1Optic/cortex-dispatcher/internal/amqpgw"
	"github.com/1Optic/cortex-dispatcher/internal/errkind"
	"github.com/1Optic/cortex-dispatcher/internal/events"
	"github.com/1Optic/cortex-dispatcher/internal/logging"
	"github.com/1Optic/cortex-dispatcher/internal/metrics"
	"github.com/1Optic/cortex-dispatcher/internal/registry"
	"github.com/1Optic/cortex-dispatcher/internal/target"
)

const (
	// DefaultRescheduleDelay is how long the engine waits before retrying
	// an event whose file was not yet stable.
	DefaultRescheduleDelay = 500 * time.Millisecond
	// DefaultMaxRescheduleAttempts bounds the reschedule loop before an
	// event is given up on and logged as a failure.
	DefaultMaxRescheduleAttempts = 10
	// DefaultPublishTimeout bounds how long one target's publish+confirm
	// may take before the dispatch is treated as a transient failure.
	DefaultPublishTimeout = 30 * time.Second
)

// publisherSource hands out the current confirm-mode publisher; satisfied
// by *amqpgw.Gateway in production and by a fake broker in tests.
type publisherSource interface {
	Publisher() amqpgw.Publisher
}

// Engine is the dispatcher's central component.
type Engine struct {
	Bus     *events.Bus
	Store   *registry.Store
	Gateway publisherSource
	Targets []target.Target
	Logger  *logging.Logger
	Metrics *metrics.Metrics

	RescheduleDelay       time.Duration
	MaxRescheduleAttempts int

	lease    *leaseTable
	attempts sync.Map // (source,path) -> *atomic.Int32
}

// Run starts one consumer goroutine per bus shard and blocks until ctx is
// cancelled and every shard's consumer has drained, matching the
// supervisor's shutdown drain sequence.
func (e *Engine) Run(ctx context.Context) kv.Error {
	if e.lease == nil {
		e.lease = newLeaseTable(e.Bus.ShardCount())
	}
	if e.RescheduleDelay <= 0 {
		e.RescheduleDelay = DefaultRescheduleDelay
	}
	if e.MaxRescheduleAttempts <= 0 {
		e.MaxRescheduleAttempts = DefaultMaxRescheduleAttempts
	}

	var wg sync.WaitGroup
	for shard := 0; shard < e.Bus.ShardCount(); shard++ {
		wg.Add(1)
		go func(shard int) {
			defer wg.Done()
			e.consume(ctx, shard)
		}(shard)
	}
	wg.Wait()
	return nil
}

func (e *Engine) consume(ctx context.Context, shard int) {
	ch := e.Bus.Subscribe(shard)
	for {
		select {
		case <-ctx.Done():
			// Drain in-flight buffered events so their Dispatched rows
			// are written before the process exits.
			for {
				select {
				case evt, ok := <-ch:
					if !ok {
						return
					}
					e.processWithRetry(context.Background(), evt)
				default:
					return
				}
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			e.processWithRetry(ctx, evt)
		}
	}
}

func (e *Engine) processWithRetry(ctx context.Context, evt events.FileEvent) {
	key := evt.Source + "\x00" + evt.Path

	if err := e.processEvent(ctx, evt); err != nil {
		if e.Metrics != nil {
			e.Metrics.CountError(err)
		}
		if errkind.Of(err) == errkind.Cancelled {
			return
		}

		counterI, _ := e.attempts.LoadOrStore(key, atomic.NewInt32(0))
		count := int(counterI.(*atomic.Int32).Inc())

		if count >= e.MaxRescheduleAttempts {
			if e.Logger != nil {
				e.Logger.Error("dispatcher giving up on event after repeated failures", "source", evt.Source, "path", evt.Path, "attempts", count, "error", err)
			}
			e.attempts.Delete(key)
			return
		}

		if e.Logger != nil {
			e.Logger.Warn("dispatcher rescheduling event", "source", evt.Source, "path", evt.Path, "attempt", count, "error", err)
		}
		go func() {
			select {
			case <-time.After(e.RescheduleDelay):
			case <-ctx.Done():
				return
			}
			_ = e.Bus.Publish(ctx, evt)
		}()
		return
	}

	e.attempts.Delete(key)
}

// processEvent runs the per-event pipeline: acquire the per-path lease,
// hash the file if needed, register it, and dispatch to every matching
// target.
func (e *Engine) processEvent(ctx context.Context, evt events.FileEvent) kv.Error {
	release := e.lease.acquire(evt.Source, evt.Path)
	defer release()
	if e.Metrics != nil {
		e.Metrics.InFlightLeases.Inc()
		defer e.Metrics.InFlightLeases.Dec()
	}

	if !evt.HasHash() {
		hashed, err := e.hashStable(evt)
		if err != nil {
			return err
		}
		evt = hashed
	}

	fileID, outcome, err := e.Store.RegisterFile(ctx, evt.Source, evt.Path, evt.Modified, evt.Size, evt.Hash)
	if err != nil {
		return err
	}

	if err := e.linkOrigin(ctx, evt, fileID); err != nil {
		return err
	}

	matched := target.MatchAll(e.Targets, evt.Path)
	for _, t := range matched {
		if outcome == registry.UpdatedSameHash {
			has, err := e.Store.HasDispatched(ctx, fileID, t.Name)
			if err != nil {
				return err
			}
			if has {
				continue
			}
		}
		if err := e.dispatchOne(ctx, fileID, evt, t); err != nil {
			return err
		}
	}
	return nil
}

// linkOrigin attaches the freshly-registered file_id to the pending
// sftp_download/directory_source row the event descended from, if any.
func (e *Engine) linkOrigin(ctx context.Context, evt events.FileEvent, fileID int64) kv.Error {
	switch evt.Origin {
	case events.OriginSftpDownload:
		return e.Store.LinkSftpDownload(ctx, evt.OriginID, fileID)
	case events.OriginDirectorySource:
		return e.Store.LinkDirectorySource(ctx, evt.OriginID, fileID)
	default:
		return nil
	}
}

func (e *Engine) dispatchOne(ctx context.Context, fileID int64, evt events.FileEvent, t target.Target) kv.Error {
	publisher := e.Gateway.Publisher()
	if publisher == nil {
		return errkind.New(errkind.TransientIO, "amqp gateway has no active publisher").With("target", t.Name)
	}

	pctx, cancel := context.WithTimeout(ctx, DefaultPublishTimeout)
	defer cancel()

	env := amqpgw.Envelope{
		Source:    evt.Source,
		Path:      evt.Path,
		Size:      evt.Size,
		Hash:      evt.Hash,
		Target:    t.Name,
		Timestamp: time.Now().UTC(),
	}
	if err := publisher.Publish(pctx, t.Queue, env); err != nil {
		return err
	}
	if err := e.Store.RecordDispatched(ctx, fileID, t.Name); err != nil {
		return err
	}
	if e.Metrics != nil {
		e.Metrics.FilesDispatched.WithLabelValues(t.Name).Inc()
	}
	if e.Logger != nil {
		e.Logger.Debug("dispatched file", "source", evt.Source, "path", evt.Path, "target", t.Name, "size", humanize.Bytes(uint64(evt.Size)))
	}
	return nil
}

// hashStable streams the file through SHA-256 and confirms the observed
// size/modified time did not change during hashing.
func (e *Engine) hashStable(evt events.FileEvent) (events.FileEvent, kv.Error) {
	before, errGo := os.Stat(evt.Path)
	if errGo != nil {
		return evt, errkind.Wrap(errkind.TransientIO, errGo, "stat file before hashing").With("stack", stack.Trace().TrimRuntime()).With("path", evt.Path)
	}

	f, errGo := os.Open(evt.Path)
	if errGo != nil {
		return evt, errkind.Wrap(errkind.TransientIO, errGo, "open file for hashing").With("stack", stack.Trace().TrimRuntime()).With("path", evt.Path)
	}
	defer f.Close()

	digest := sha256.New()
	if _, errGo := io.Copy(digest, f); errGo != nil {
		return evt, errkind.Wrap(errkind.TransientIO, errGo, "hash file").With("stack", stack.Trace().TrimRuntime()).With("path", evt.Path)
	}

	after, errGo := os.Stat(evt.Path)
	if errGo != nil {
		return evt, errkind.Wrap(errkind.TransientIO, errGo, "stat file after hashing").With("stack", stack.Trace().TrimRuntime()).With("path", evt.Path)
	}
	if before.Size() != after.Size() || !before.ModTime().Equal(after.ModTime()) {
		return evt, errkind.New(errkind.TransientIO, "file still being written, rescheduling").With("path", evt.Path)
	}

	evt.Size = after.Size()
	evt.Modified = after.ModTime()
	evt.Hash = hex.EncodeToString(digest.Sum(nil))
	return evt, nil
}
