// Package sftpsource consumes SFTP download jobs from AMQP and
// materializes remote files locally.
package sftpsource

import (
	"sync"
	"time"

	"github.com/lthibault/jitterbug"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ConnState is the per-source connection state machine.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Ready
	Reconnecting
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// conn is one pooled, keep-alive SFTP connection for a named source.
type conn struct {
	mu      sync.Mutex
	state   ConnState
	client  *sftp.Client
	ssh     *ssh.Client
	backoff *backoff
}

// pool keeps at most one live connection per source name, reused across
// jobs.
type pool struct {
	mu    sync.Mutex
	conns map[string]*conn
}

func newPool() *pool {
	return &pool{conns: map[string]*conn{}}
}

func (p *pool) get(source string) *conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[source]
	if !ok {
		c = &conn{state: Disconnected, backoff: newBackoff()}
		p.conns[source] = c
	}
	return c
}

// close drops and closes every pooled connection, for shutdown.
func (p *pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.mu.Lock()
		if c.client != nil {
			_ = c.client.Close()
		}
		if c.ssh != nil {
			_ = c.ssh.Close()
		}
		c.state = Disconnected
		c.mu.Unlock()
	}
}

// backoff is the same exponential-with-jitter shape the AMQP gateway uses
// for broker reconnection, applied here to per-source SFTP reconnects: a
// failed source retries with exponential backoff capped at a ceiling.
type backoff struct {
	current time.Duration
	jitter  jitterbug.Jitter
}

func newBackoff() *backoff {
	return &backoff{jitter: &jitterbug.Norm{Stdev: 250 * time.Millisecond}}
}

func (b *backoff) next() time.Duration {
	const initial = time.Second
	const max = 60 * time.Second
	if b.current == 0 {
		b.current = initial
	} else {
		b.current *= 2
		if b.current > max {
			b.current = max
		}
	}
	d := b.jitter.Jitter(b.current)
	if d < 0 {
		d = b.current
	}
	return d
}

func (b *backoff) reset() { b.current = 0 }
