package interfaces

import (
	"context"

	"github.com/colligohq/colligo/internal/bus"
	"github.com/colligohq/colligo/internal/models"
)

// Worker is one supervised instance of a worker class. Run drains the
// instance's inbox until the context ends or the inbox closes; any
// return is treated as a process exit and triggers a respawn.
type Worker interface {
	// Name returns the unique instance name, e.g. "CrawlWorker-3f1c9a2e".
	Name() string

	// Class returns the worker class the instance belongs to.
	Class() models.WorkerClass

	// Run executes the instance's envelope loop. The returned error is
	// the exit cause, nil for a clean drain.
	Run(ctx context.Context) error
}

// WorkerSpawn carries everything a factory needs to build one instance:
// its assigned name, the inbox the supervisor will deliver into, the
// emitter envelopes travel back on, and the class configuration.
type WorkerSpawn struct {
	Instance string
	Inbox    *bus.Mailbox
	Emit     bus.Emit
	Config   models.WorkerClassConfig
}

// WorkerFactory builds a worker instance for a class. The supervisor
// calls it at boot for the configured count and again on every restart
// or busy-driven spawn.
type WorkerFactory func(spawn WorkerSpawn) (Worker, error)
