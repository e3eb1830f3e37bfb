package bus

import (
	"context"
	"log"
	"time"
)

// maxPollFailures is how many consecutive poll errors are tolerated before
// the poller gives up and surfaces a stopped signal.
const maxPollFailures = 3

// Queue is the subset of Bus a Poller needs.
type Queue interface {
	PollAndConsume(ctx context.Context, sessionID string) ([]Message, error)
}

// Poller is the internal-mode client analogue of a signaling connection: a
// fixed-interval poll loop for one session.
type Poller struct {
	queue     Queue
	sessionID string
	interval  time.Duration

	// OnMessages receives each non-empty poll result in order.
	OnMessages func([]Message)
	// OnStopped is invoked once when the loop ends; err is nil on clean
	// shutdown and the last poll error after repeated failures.
	OnStopped func(err error)
}

func NewPoller(queue Queue, sessionID string, interval time.Duration) *Poller {
	return &Poller{
		queue:     queue,
		sessionID: sessionID,
		interval:  interval,
	}
}

// Run polls until the context is cancelled or polls fail repeatedly.
// Message handling runs on this goroutine only.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			p.stopped(nil)
			return
		case <-ticker.C:
			messages, err := p.queue.PollAndConsume(ctx, p.sessionID)
			if err != nil {
				failures++
				log.Printf("Bus poll for %s failed (%d/%d): %v", p.sessionID, failures, maxPollFailures, err)
				if failures >= maxPollFailures {
					p.stopped(err)
					return
				}
				continue
			}
			failures = 0
			if len(messages) > 0 && p.OnMessages != nil {
				p.OnMessages(messages)
			}
		}
	}
}

func (p *Poller) stopped(err error) {
	if p.OnStopped != nil {
		p.OnStopped(err)
	}
}
