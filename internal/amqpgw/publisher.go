package amqpgw

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"github.com/streadway/amqp"

	"github.com/1Optic/cortex-dispatcher/internal/errkind"
)

// Publisher is the confirm-mode publish surface the dispatcher and SFTP
// executor depend on. Production code is backed by confirmPublisher, a
// single real AMQP channel; tests substitute a fake broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, env Envelope) kv.Error
	Close() error
}

// confirmPublisher wraps a single AMQP channel with publisher-confirms
// enabled. The channel and its confirm notification are not safe for
// concurrent publishers: a confirmation carries no caller-visible
// correlation to the publish that produced it, only the order confirms
// were requested in. mu serializes Publish end-to-end (publish through
// confirm-wait) so a confirmation is always consumed by the call that is
// actually waiting for it.
type confirmPublisher struct {
	ch      *amqp.Channel
	confirm chan amqp.Confirmation

	mu sync.Mutex
}

func newPublisher(conn *amqp.Connection) (Publisher, error) {
	ch, errGo := conn.Channel()
	if errGo != nil {
		return nil, errGo
	}
	if errGo := ch.Confirm(false); errGo != nil {
		_ = ch.Close()
		return nil, errGo
	}
	return &confirmPublisher{
		ch:      ch,
		confirm: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

// Publish marshals env to JSON, sends it to DefaultExchange under
// routingKey and blocks for the broker's confirm, returning a Data error
// if env cannot be marshalled and a TransientIO error on nack,
// disconnect, or ctx expiry.
// Only one Publish call is in flight on this confirmPublisher at a time,
// so callers sharing one (the dispatcher's per-shard goroutines, for
// instance) serialize here rather than racing on the confirm channel.
func (p *confirmPublisher) Publish(ctx context.Context, routingKey string, env Envelope) kv.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	body, errGo := json.Marshal(env)
	if errGo != nil {
		return errkind.Wrap(errkind.Data, errGo, "marshal envelope").With("stack", stack.Trace().TrimRuntime())
	}

	errGo = p.ch.Publish(DefaultExchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    env.Timestamp,
		Body:         body,
	})
	if errGo != nil {
		return errkind.Wrap(errkind.TransientIO, errGo, "publish").With("stack", stack.Trace().TrimRuntime()).With("routingKey", routingKey)
	}

	select {
	case confirmation, ok := <-p.confirm:
		if !ok {
			return errkind.New(errkind.TransientIO, "publisher channel closed before confirm").With("routingKey", routingKey)
		}
		if !confirmation.Ack {
			return errkind.New(errkind.TransientIO, "publish nacked by broker").With("routingKey", routingKey)
		}
		return nil
	case <-ctx.Done():
		return errkind.Wrap(errkind.TransientIO, ctx.Err(), "publish confirm wait").With("stack", stack.Trace().TrimRuntime()).With("routingKey", routingKey)
	}
}

// Close closes the underlying channel.
func (p *confirmPublisher) Close() error {
	return p.ch.Close()
}
