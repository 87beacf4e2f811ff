package interfaces

import (
	"context"

	"github.com/colligohq/colligo/internal/models"
)

// Spool journals broker publishes that failed while the connection was
// down or blocked, so completion and compensation notifications survive
// an outage. Receive follows the visibility-timeout idiom: a claimed
// entry becomes invisible for the timeout and reappears unless the
// returned delete function is called.
type Spool interface {
	// Enqueue journals one payload destined for the named queue.
	Enqueue(ctx context.Context, queue string, body []byte) error

	// Receive claims the next visible entry. Returns models.ErrNoMessage
	// when nothing is ready. The delete function permanently removes the
	// entry once the redelivery has been confirmed.
	Receive(ctx context.Context) (*models.SpoolEntry, func() error, error)

	// Len reports how many entries are journalled, visible or not.
	Len(ctx context.Context) (int, error)

	// Close releases the spool (the underlying database is managed by
	// the owner).
	Close() error
}
