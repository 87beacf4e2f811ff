package bus

import (
	"errors"
	"sync"

	"github.com/colligohq/colligo/internal/models"
)

var (
	// ErrMailboxFull is returned when a delivery would block; the
	// supervisor defers and retries instead of waiting on a slow worker.
	ErrMailboxFull = errors.New("mailbox full")

	// ErrMailboxClosed is returned when the owning worker has exited.
	ErrMailboxClosed = errors.New("mailbox closed")
)

// Emit delivers an envelope from a worker to the supervisor's inbox.
// It reports false when the supervisor is shutting down and the
// envelope was dropped.
type Emit func(models.Envelope) bool

// Mailbox is one worker instance's ordered envelope channel. The
// supervisor holds the deliver side, the worker drains the inbox side.
// Delivery is FIFO per mailbox; nothing orders envelopes across
// mailboxes.
type Mailbox struct {
	name string
	ch   chan models.Envelope

	mu     sync.Mutex
	closed bool
}

// NewMailbox creates a mailbox with the given buffer size. A size
// below one is raised to one so delivery can always make progress.
func NewMailbox(name string, size int) *Mailbox {
	if size < 1 {
		size = 1
	}
	return &Mailbox{
		name: name,
		ch:   make(chan models.Envelope, size),
	}
}

// Name returns the owning instance name.
func (m *Mailbox) Name() string {
	return m.name
}

// Deliver enqueues an envelope without blocking. A full inbox returns
// ErrMailboxFull so the caller can defer; a closed mailbox returns
// ErrMailboxClosed so the caller can respawn and replay.
func (m *Mailbox) Deliver(env models.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMailboxClosed
	}
	select {
	case m.ch <- env:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Inbox returns the receive side drained by the owning worker. The
// channel closes when the mailbox closes.
func (m *Mailbox) Inbox() <-chan models.Envelope {
	return m.ch
}

// Len reports how many envelopes are waiting.
func (m *Mailbox) Len() int {
	return len(m.ch)
}

// Close marks the mailbox dead and closes the inbox channel. Safe to
// call more than once.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}
