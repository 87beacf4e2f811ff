// -----------------------------------------------------------------------
// DBWorker - document store requests, one at a time
// -----------------------------------------------------------------------

package workers

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/bus"
	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

// DBWorker serves document-store traffic for the crawl workers: batch
// inserts of harvested records and coverage queries. One outstanding
// request per instance; the supervisor reroutes or spawns on overload.
type DBWorker struct {
	name   string
	inbox  *bus.Mailbox
	emit   bus.Emit
	logger arbor.ILogger
	store  interfaces.ResultsStore

	heartbeatTick time.Duration
}

var _ interfaces.Worker = (*DBWorker)(nil)

// NewDBWorkerFactory builds DB worker instances over a shared results
// store connection.
func NewDBWorkerFactory(store interfaces.ResultsStore, logger arbor.ILogger) interfaces.WorkerFactory {
	return func(spawn interfaces.WorkerSpawn) (interfaces.Worker, error) {
		return &DBWorker{
			name:          spawn.Instance,
			inbox:         spawn.Inbox,
			emit:          spawn.Emit,
			logger:        logger,
			store:         store,
			heartbeatTick: spawn.Config.Duration("heartbeat_interval", defaultHeartbeat),
		}, nil
	}
}

func (w *DBWorker) Name() string { return w.name }
func (w *DBWorker) Class() models.WorkerClass { return models.WorkerClassDB }

// Run drains the inbox until the context ends or the mailbox closes.
func (w *DBWorker) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(w.heartbeatTick)
	defer heartbeat.Stop()

	requestDone := make(chan struct{}, 1)
	busy := false

	emitHeartbeat(w.emit, w.name)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			emitHeartbeat(w.emit, w.name)
		case <-requestDone:
			busy = false
		case env, ok := <-w.inbox.Inbox():
			if !ok {
				return nil
			}

			_, method, param := models.ParsePath(firstPath(env.Destination))
			switch method {
			case models.MethodCreateNewData, models.MethodGetCrawledData:
				if busy {
					w.logger.Debug().
						Str("instance", w.name).
						Str("message_id", env.MessageID).
						Msg("Busy, rejecting request back to supervisor")
					w.emit(env.Reroute(w.name))
					continue
				}
				busy = true
				go w.processRequest(ctx, env, method, param, requestDone)
			default:
				w.logger.Warn().
					Str("instance", w.name).
					Str("path", firstPath(env.Destination)).
					Msg("Unsupported method for db worker")
				w.emit(env.Ack(w.name, models.StatusFailed, string(models.ReasonBadInput)))
			}
		}
	}
}

func (w *DBWorker) processRequest(ctx context.Context, env models.Envelope, method, param string, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	defer recoverJob(w.logger, w.emit, w.name, env)

	switch method {
	case models.MethodCreateNewData:
		w.createNewData(ctx, env, param)
	case models.MethodGetCrawledData:
		w.getCrawledData(ctx, env)
	}
}

// createNewData persists a harvested batch and routes the insert result
// toward the gateway for downstream publication.
func (w *DBWorker) createNewData(ctx context.Context, env models.Envelope, param string) {
	var req models.CreateRequest
	if err := env.DecodeData(&req); err != nil {
		w.logger.Warn().
			Err(err).
			Str("instance", w.name).
			Msg("Malformed create_new_data payload")
		w.emit(env.Ack(w.name, models.StatusFailed, string(models.ReasonBadInput)))
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = param
	}

	inserted, err := w.store.InsertUnordered(ctx, req.Data)
	if err != nil {
		w.logger.Error().
			Err(err).
			Str("instance", w.name).
			Str("project_id", req.ProjectID).
			Msg("Insert failed")
		w.emit(env.Ack(w.name, models.StatusFailed, string(models.ReasonTransport)))
		return
	}

	result, rerr := models.NewEnvelope(models.StatusCompleted,
		[]string{models.Path(models.WorkerClassGateway, models.MethodProduceData, req.ProjectID)},
		models.CreateResult{ProjectID: req.ProjectID, InsertedIDs: inserted})
	if rerr != nil {
		w.logger.Error().Err(rerr).Str("instance", w.name).Msg("Failed to build insert result")
	} else {
		result.Source = w.name
		w.emit(result)
	}

	w.logger.Info().
		Str("instance", w.name).
		Str("project_id", req.ProjectID).
		Int("received", len(req.Data)).
		Int("inserted", len(inserted)).
		Msg("Harvest batch persisted")
	w.emit(env.Ack(w.name, models.StatusCompleted, ""))
}

// getCrawledData answers a coverage query with a directed response the
// supervisor delivers back to the asking instance.
func (w *DBWorker) getCrawledData(ctx context.Context, env models.Envelope) {
	var query models.CrawledQuery
	if err := env.DecodeData(&query); err != nil {
		w.logger.Warn().
			Err(err).
			Str("instance", w.name).
			Msg("Malformed get_crawled_data payload")
		w.respond(env, query, models.StatusFailed, string(models.ReasonBadInput), nil)
		w.emit(env.Ack(w.name, models.StatusFailed, string(models.ReasonBadInput)))
		return
	}

	records, err := w.store.QueryCrawled(ctx, query.Keyword, query.Range)
	if err != nil {
		w.logger.Error().
			Err(err).
			Str("instance", w.name).
			Str("keyword", query.Keyword).
			Msg("Coverage query failed")
		w.respond(env, query, models.StatusFailed, string(models.ReasonTransport), nil)
		w.emit(env.Ack(w.name, models.StatusFailed, string(models.ReasonTransport)))
		return
	}

	w.respond(env, query, models.StatusCompleted, "", records)
	w.logger.Debug().
		Str("instance", w.name).
		Str("keyword", query.Keyword).
		Int("records", len(records)).
		Msg("Coverage query answered")
	w.emit(env.Ack(w.name, models.StatusCompleted, ""))
}

// respond routes an on_fetched_data envelope back to the requester. A
// failed response lets the waiting worker fail fast instead of timing
// out.
func (w *DBWorker) respond(req models.Envelope, query models.CrawledQuery, status models.EnvelopeStatus, reason string, records []models.TweetRecord) {
	resp, err := models.NewEnvelope(status,
		[]string{models.Path(models.WorkerClassCrawl, models.MethodOnFetchedData, "")},
		models.CrawledResult{Keyword: query.Keyword, Range: query.Range, Data: records})
	if err != nil {
		w.logger.Error().Err(err).Str("instance", w.name).Msg("Failed to build coverage response")
		return
	}
	resp.Source = w.name
	resp.CorrelationID = req.MessageID
	resp.ReplyTo = req.ReplyTo
	resp.Reason = reason
	w.emit(resp)
}
