package amqpgw

import (
	"time"

	"github.com/lthibault/jitterbug"
)

// backoff produces the exponential-with-jitter reconnect sequence:
// initial 1s, doubling, capped at 60s, jittered with jitterbug.Norm
// applied to a single wait rather than a repeating Ticker, since
// reconnect attempts are one-shot, not periodic.
type backoff struct {
	initial time.Duration
	max     time.Duration
	jitter  jitterbug.Jitter
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		initial: time.Second,
		max:     60 * time.Second,
		jitter:  &jitterbug.Norm{Stdev: 250 * time.Millisecond},
	}
}

// next returns the duration to wait before the next attempt and advances
// the sequence.
func (b *backoff) next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
	} else {
		b.current *= 2
		if b.current > b.max {
			b.current = b.max
		}
	}
	d := b.jitter.Jitter(b.current)
	if d < 0 {
		d = b.current
	}
	return d
}

// reset returns the sequence to its initial state after a successful
// connection.
func (b *backoff) reset() {
	b.current = 0
}
