package bus

import (
	"context"
	"sync"
	"time"

	"github.com/colligohq/colligo/internal/models"
)

// Correlator matches response envelopes to in-flight requests. A
// request registers its message id before sending; the response carries
// that id as its correlation id and resolves the waiting channel. Every
// expectation carries an explicit timeout so a lost response cannot
// park a job forever.
type Correlator struct {
	mu      sync.Mutex
	waiting map[string]chan models.Envelope
}

// NewCorrelator creates an empty correlation table.
func NewCorrelator() *Correlator {
	return &Correlator{
		waiting: make(map[string]chan models.Envelope),
	}
}

// Expect registers interest in the response for messageID and returns
// the channel the response will arrive on. Each id holds at most one
// waiter; calling Expect again for an id that is still registered
// returns the same channel, so a response resolved between Expect and
// Await is never dropped.
func (c *Correlator) Expect(messageID string) <-chan models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.waiting[messageID]; ok {
		return ch
	}
	ch := make(chan models.Envelope, 1)
	c.waiting[messageID] = ch
	return ch
}

// Resolve hands a response to the waiter registered for its correlation
// id. Reports false when nobody is waiting (late response after a
// timeout, or a replayed envelope).
func (c *Correlator) Resolve(correlationID string, env models.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.waiting[correlationID]
	if ok {
		delete(c.waiting, correlationID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- env
	return true
}

// Cancel drops the expectation for messageID.
func (c *Correlator) Cancel(messageID string) {
	c.mu.Lock()
	delete(c.waiting, messageID)
	c.mu.Unlock()
}

// Pending reports how many requests are awaiting responses.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiting)
}

// Await blocks until a response arrives on ch, the timeout elapses, or
// the context ends. ch must be the channel Expect returned for
// messageID: a response resolved before Await starts is buffered there
// and delivered immediately. Timeouts and cancellation surface as
// TRANSPORT faults: from the requester's point of view the peer did
// not answer.
func (c *Correlator) Await(ctx context.Context, messageID string, ch <-chan models.Envelope, timeout time.Duration) (models.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-ch:
		return env, nil
	case <-timer.C:
		c.Cancel(messageID)
		return models.Envelope{}, models.Faultf(models.ReasonTransport, "no response for %s within %s", messageID, timeout)
	case <-ctx.Done():
		c.Cancel(messageID)
		return models.Envelope{}, models.NewFault(models.ReasonTransport, ctx.Err())
	}
}
