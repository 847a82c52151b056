// Package amqpgw is the reconnecting AMQP publisher/consumer gateway,
// hiding broker reconnection from the dispatcher and SFTP executor
// behind a single connection with a confirm-mode publisher and any
// number of consumer channels.
package amqpgw

import (
	"context"
	"crypto/tls"
	"net/url"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"github.com/streadway/amqp"

	"github.com/1Optic/cortex-dispatcher/internal/errkind"
	"github.com/1Optic/cortex-dispatcher/internal/logging"
	"github.com/1Optic/cortex-dispatcher/internal/metrics"
)

const (
	// DefaultExchange is the topic exchange the gateway declares and
	// publishes all dispatch envelopes to.
	DefaultExchange = "cortex.dispatch"
	// DefaultConfirmTimeout is a default bound for a publish's confirm
	// wait. Publish itself waits until its ctx is done; the caller sets
	// the deadline on that ctx.
	DefaultConfirmTimeout = 30 * time.Second
)

// Gateway owns a single AMQP connection shared by one publisher channel
// and any number of consumer channels.
type Gateway struct {
	uri     string
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	conn      *amqp.Connection
	pub       Publisher
	closed    bool
	closeOnce sync.Once
	closeC    chan struct{}
}

// New constructs a Gateway for the given broker URI. Connect must be
// called before use.
func New(uri string, logger *logging.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{uri: uri, logger: logger, metrics: m, closeC: make(chan struct{})}
}

// Connect dials the broker, retrying with exponential backoff until
// success or ctx is cancelled. It declares DefaultExchange and starts the
// background reconnect watcher.
func (g *Gateway) Connect(ctx context.Context) kv.Error {
	if err := g.dial(ctx); err != nil {
		return err
	}
	go g.watch()
	return nil
}

func (g *Gateway) dial(ctx context.Context) kv.Error {
	b := newBackoff()
	for {
		if errGo := g.attemptConnect(); errGo == nil {
			b.reset()
			if g.logger != nil {
				g.logger.Info("amqp connected", "uri", redactURI(g.uri))
			}
			return nil
		} else {
			if g.logger != nil {
				g.logger.Warn("amqp connect failed, retrying", "error", errGo)
			}
			if g.metrics != nil {
				g.metrics.AMQPReconnects.Inc()
			}
		}

		select {
		case <-time.After(b.next()):
		case <-ctx.Done():
			return errkind.Wrap(errkind.Cancelled, ctx.Err(), "amqp connect cancelled").With("stack", stack.Trace().TrimRuntime())
		}
	}
}

// attemptConnect makes one dial attempt, declaring the exchange and
// standing up the publisher channel before publishing the new connection.
func (g *Gateway) attemptConnect() error {
	conn, errGo := dialTLSAware(g.uri)
	if errGo != nil {
		return errGo
	}

	ch, errGo := conn.Channel()
	if errGo != nil {
		_ = conn.Close()
		return errGo
	}
	if errGo := ch.ExchangeDeclare(DefaultExchange, "topic", true, false, false, false, nil); errGo != nil {
		_ = ch.Close()
		_ = conn.Close()
		return errGo
	}
	_ = ch.Close()

	pub, errGo := newPublisher(conn)
	if errGo != nil {
		_ = conn.Close()
		return errGo
	}

	g.mu.Lock()
	g.conn = conn
	g.pub = pub
	g.mu.Unlock()
	return nil
}

// watch blocks on the connection's close notification and redials on
// unexpected loss.
func (g *Gateway) watch() {
	for {
		g.mu.Lock()
		conn := g.conn
		g.mu.Unlock()
		if conn == nil {
			return
		}

		notifyC := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-g.closeC:
			return
		case err, ok := <-notifyC:
			if !ok {
				return
			}
			if g.logger != nil {
				g.logger.Warn("amqp connection lost, reconnecting", "error", err)
			}
			if errDial := g.dial(context.Background()); errDial != nil {
				return
			}
		}
	}
}

// Publisher returns the current publisher. It may change across
// reconnects; callers should fetch it fresh for each publish rather than
// caching it.
func (g *Gateway) Publisher() Publisher {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pub
}

// Consume opens a dedicated channel subscribed to queue and returns a
// Consumer bound to it: one consumer channel per subscribed queue.
func (g *Gateway) Consume(queue string, prefetch int) (*Consumer, kv.Error) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return nil, errkind.New(errkind.TransientIO, "amqp gateway not connected")
	}
	consumer, errGo := newConsumer(conn, queue, prefetch)
	if errGo != nil {
		return nil, errkind.Wrap(errkind.TransientIO, errGo, "open consumer channel").With("stack", stack.Trace().TrimRuntime()).With("queue", queue)
	}
	return consumer, nil
}

// Close shuts down the publisher and the underlying connection.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() { close(g.closeC) })

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pub != nil {
		_ = g.pub.Close()
	}
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}

func dialTLSAware(uri string) (*amqp.Connection, error) {
	parsed, errGo := url.Parse(uri)
	if errGo != nil {
		return nil, errGo
	}
	if parsed.Scheme == "amqps" {
		return amqp.DialTLS(uri, &tls.Config{MinVersion: tls.VersionTLS12})
	}
	return amqp.Dial(uri)
}

func redactURI(uri string) string {
	parsed, errGo := url.Parse(uri)
	if errGo != nil {
		return "invalid"
	}
	parsed.User = nil
	return parsed.String()
}
