// Package workers holds the supervised worker classes: CrawlWorker
// instances execute harvest jobs, DBWorker instances serve the results
// store. Both follow the same shape: a run loop draining the mailbox,
// one unit of work in flight, SERVER_BUSY rejection for the rest.
package workers

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/bus"
	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/models"
)

// emitHeartbeat announces instance liveness to the supervisor.
func emitHeartbeat(emit bus.Emit, instance string) {
	env, err := models.NewEnvelope(models.StatusHealthy, []string{models.SupervisorTarget}, nil)
	if err != nil {
		return
	}
	env.Source = instance
	emit(env)
}

// recoverJob turns a panic in a job goroutine into a failed
// acknowledgement. The run loop's recovery lives in the supervisor and
// does not cover goroutines a worker spawns itself, so without this a
// panicking driver would take the whole process down. Must be deferred
// directly by the job goroutine.
func recoverJob(logger arbor.ILogger, emit bus.Emit, instance string, env models.Envelope) {
	if r := recover(); r != nil {
		logger.Error().
			Str("instance", instance).
			Str("message_id", env.MessageID).
			Str("panic", fmt.Sprintf("%v", r)).
			Str("stack", common.GetStackTrace()).
			Msg("PANIC RECOVERED in worker job")
		emit(env.Ack(instance, models.StatusFailed, fmt.Sprintf("panic: %v", r)))
	}
}

func firstPath(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}
