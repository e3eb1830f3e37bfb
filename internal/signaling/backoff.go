package signaling

import (
	"math/rand"
	"time"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 16 * time.Second
)

// backoff produces reconnect delays: doubling from 1s to a 16s ceiling,
// jittered to roughly [0.5x, 1.5x] the nominal value so a backend restart
// does not trigger a thundering herd of reconnects.
type backoff struct {
	initial time.Duration
	nominal time.Duration

	// jitter returns a value in [0, 1). Swappable for tests.
	jitter func() float64
}

func newBackoff() *backoff {
	return &backoff{initial: initialBackoff, nominal: initialBackoff, jitter: rand.Float64}
}

// Next returns the delay before the next reconnect attempt and advances
// the nominal value.
func (b *backoff) Next() time.Duration {
	d := b.nominal
	b.nominal *= 2
	if b.nominal > maxBackoff {
		b.nominal = maxBackoff
	}
	return time.Duration(float64(d) * (0.5 + b.jitter()))
}

// Reset returns the backoff to its initial delay. Called after every
// successful hello.
func (b *backoff) Reset() {
	b.nominal = b.initial
}
