// -----------------------------------------------------------------------
// CrawlWorker - executes one harvest job end to end
// -----------------------------------------------------------------------

package workers

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/bus"
	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/locks"
	"github.com/colligohq/colligo/internal/models"
)

const (
	defaultTargetCount  = 500
	defaultFetchTimeout = 30 * time.Second
	defaultHeartbeat    = 30 * time.Second
	defaultCrawlTimeout = 10 * time.Minute
)

// CrawlWorker executes one job at a time: plan the residual sub-ranges
// of the requested window, lock and crawl each in order, then hand the
// harvest to a DBWorker and notify downstream through the gateway.
//
// The run loop stays responsive while a job is in flight: correlated
// responses are resolved immediately, new jobs are rejected back to
// the supervisor with SERVER_BUSY.
type CrawlWorker struct {
	name   string
	inbox  *bus.Mailbox
	emit   bus.Emit
	logger arbor.ILogger

	locks   *locks.Manager
	crawler interfaces.Crawler
	corr    *bus.Correlator

	targetCount   int
	fetchTimeout  time.Duration
	crawlTimeout  time.Duration
	heartbeatTick time.Duration
}

var _ interfaces.Worker = (*CrawlWorker)(nil)

// NewCrawlWorkerFactory builds crawl worker instances sharing one lock
// manager and one crawl driver. Per-instance tuning comes from the
// class config map.
func NewCrawlWorkerFactory(lockMgr *locks.Manager, crawler interfaces.Crawler, crawlTimeout time.Duration, logger arbor.ILogger) interfaces.WorkerFactory {
	if crawlTimeout <= 0 {
		crawlTimeout = defaultCrawlTimeout
	}
	return func(spawn interfaces.WorkerSpawn) (interfaces.Worker, error) {
		return &CrawlWorker{
			name:          spawn.Instance,
			inbox:         spawn.Inbox,
			emit:          spawn.Emit,
			logger:        logger,
			locks:         lockMgr,
			crawler:       crawler,
			corr:          bus.NewCorrelator(),
			targetCount:   spawn.Config.Int("target_count", defaultTargetCount),
			fetchTimeout:  spawn.Config.Duration("fetch_timeout", defaultFetchTimeout),
			crawlTimeout:  crawlTimeout,
			heartbeatTick: spawn.Config.Duration("heartbeat_interval", defaultHeartbeat),
		}, nil
	}
}

func (w *CrawlWorker) Name() string { return w.name }
func (w *CrawlWorker) Class() models.WorkerClass { return models.WorkerClassCrawl }

// Run drains the inbox until the context ends or the mailbox closes.
func (w *CrawlWorker) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(w.heartbeatTick)
	defer heartbeat.Stop()

	jobDone := make(chan struct{}, 1)
	busy := false

	emitHeartbeat(w.emit, w.name)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			emitHeartbeat(w.emit, w.name)
		case <-jobDone:
			busy = false
		case env, ok := <-w.inbox.Inbox():
			if !ok {
				return nil
			}

			_, method, _ := models.ParsePath(firstPath(env.Destination))
			switch method {
			case models.MethodOnFetchedData:
				w.resolveResponse(env)
			case models.MethodCrawling:
				if busy {
					w.logger.Debug().
						Str("instance", w.name).
						Str("message_id", env.MessageID).
						Msg("Busy, rejecting job back to supervisor")
					w.emit(env.Reroute(w.name))
					continue
				}
				busy = true
				go w.processJob(ctx, env, jobDone)
			default:
				w.logger.Warn().
					Str("instance", w.name).
					Str("path", firstPath(env.Destination)).
					Msg("Unsupported method for crawl worker")
				w.emit(env.Ack(w.name, models.StatusFailed, string(models.ReasonBadInput)))
			}
		}
	}
}

// resolveResponse completes the correlator wait for an in-flight
// request and acknowledges the response envelope.
func (w *CrawlWorker) resolveResponse(env models.Envelope) {
	if !w.corr.Resolve(env.CorrelationID, env) {
		w.logger.Debug().
			Str("instance", w.name).
			Str("correlation_id", env.CorrelationID).
			Msg("Response without a waiting request")
	}
	w.emit(env.Ack(w.name, models.StatusCompleted, ""))
}

// processJob runs one job to its terminal ack. The run loop keeps
// serving correlated responses while this goroutine works.
func (w *CrawlWorker) processJob(ctx context.Context, env models.Envelope, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	defer recoverJob(w.logger, w.emit, w.name, env)

	job, err := models.JobFromWire(env.Data)
	if err != nil {
		w.logger.Warn().
			Err(err).
			Str("instance", w.name).
			Str("message_id", env.MessageID).
			Msg("Rejecting malformed job")
		w.emit(env.Ack(w.name, models.StatusFailed, string(models.ReasonOf(err))))
		return
	}

	logger := w.logger.WithCorrelationId(env.MessageID)
	started := time.Now()
	logger.Info().
		Str("instance", w.name).
		Str("project_id", job.ProjectID).
		Str("keyword", job.Keyword).
		Str("window", job.Range().String()).
		Msg("Job accepted")

	if err := w.runJob(ctx, logger, job); err != nil {
		reason := models.ReasonOf(err)
		logger.Warn().
			Err(err).
			Str("reason", string(reason)).
			Dur("elapsed", time.Since(started)).
			Msg("Job failed")
		w.emit(env.Ack(w.name, models.StatusFailed, string(reason)))
		return
	}

	logger.Info().
		Dur("elapsed", time.Since(started)).
		Msg("Job completed")
	w.emit(env.Ack(w.name, models.StatusCompleted, ""))
}

func (w *CrawlWorker) runJob(ctx context.Context, logger arbor.ILogger, job models.Job) error {
	req := job.Range()

	// What the document store already holds for this window.
	existing, err := w.fetchCrawled(ctx, job.Keyword, req)
	if err != nil {
		return err
	}

	var harvested []models.TweetRecord

	covered, haveCover := models.Coverage(existing)
	if haveCover && covered.Equal(req) {
		logger.Info().
			Str("covered", covered.String()).
			Msg("Window already covered by stored records, skipping crawl")
	} else {
		var known []models.DateRange
		if haveCover {
			if clamped, ok := covered.Clamp(req); ok {
				known = append(known, clamped)
			}
		}

		residuals, err := w.planResiduals(ctx, job.Keyword, req, known)
		if err != nil {
			return err
		}
		logger.Info().
			Int("residuals", len(residuals)).
			Msg("Residual ranges planned")

		harvested, err = w.crawlResiduals(ctx, logger, job, residuals)
		if err != nil {
			return err
		}
	}

	return w.handoff(ctx, logger, job, harvested)
}

// planResiduals subtracts live locks and existing coverage from the
// requested window. Computed once per job.
func (w *CrawlWorker) planResiduals(ctx context.Context, keyword string, req models.DateRange, known []models.DateRange) ([]models.DateRange, error) {
	locked, err := w.locks.Overlap(ctx, keyword, req)
	if err != nil {
		return nil, models.NewFault(models.ReasonTransport, err)
	}
	overlaps := locks.Merge(append(known, locked...))
	return locks.Subtract(req, overlaps), nil
}

// crawlResiduals walks the residual queue strictly in order. A failed
// crawl moves to the next range; a lock-store failure aborts the job.
func (w *CrawlWorker) crawlResiduals(ctx context.Context, logger arbor.ILogger, job models.Job, residuals []models.DateRange) ([]models.TweetRecord, error) {
	if len(residuals) == 0 {
		return nil, nil
	}

	pattern, err := regexp.Compile("(?i)" + job.KeywordPattern())
	if err != nil {
		return nil, models.NewFault(models.ReasonBadInput, fmt.Errorf("keyword pattern: %w", err))
	}

	var harvested []models.TweetRecord
	for _, r := range residuals {
		records, err := w.crawlRange(ctx, logger, job, r, pattern)
		if err != nil {
			if models.ReasonOf(err) == models.ReasonCrawlFailed {
				logger.Warn().
					Err(err).
					Str("range", r.String()).
					Msg("Sub-range crawl failed, continuing")
				continue
			}
			return nil, err
		}
		harvested = append(harvested, records...)
	}
	return harvested, nil
}

// crawlRange locks one residual range, crawls it and releases the lock
// regardless of outcome. A skipped acquire means another worker owns
// the range.
func (w *CrawlWorker) crawlRange(ctx context.Context, logger arbor.ILogger, job models.Job, r models.DateRange, pattern *regexp.Regexp) (records []models.TweetRecord, err error) {
	acquired, aerr := w.locks.AcquireRange(ctx, job.Keyword, r)
	if aerr != nil {
		return nil, models.NewFault(models.ReasonTransport, aerr)
	}
	if !acquired {
		logger.Debug().
			Str("range", r.String()).
			Msg("Range locked elsewhere, skipping")
		return nil, nil
	}

	started := time.Now()
	defer func() {
		if elapsed := time.Since(started); elapsed > w.locks.TTL() {
			logger.Warn().
				Dur("elapsed", elapsed).
				Str("range", r.String()).
				Msg("Crawl outlived the range lock TTL")
		}
		// Release must run even when the job context is gone.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, rerr := w.locks.ReleaseRange(releaseCtx, job.Keyword, r); rerr != nil {
			records = nil
			err = models.NewFault(models.ReasonTransport, fmt.Errorf("release %s: %w", r.String(), rerr))
		}
	}()

	crawlCtx, cancel := context.WithTimeout(ctx, w.crawlTimeout)
	defer cancel()

	raw, cerr := w.crawler.Crawl(crawlCtx, job.AccessToken, job.Keyword, r, w.targetCount)
	if cerr != nil {
		return nil, models.NewFault(models.ReasonCrawlFailed, cerr)
	}

	records = make([]models.TweetRecord, 0, len(raw))
	for _, rec := range raw {
		if pattern.MatchString(rec.FullText()) {
			records = append(records, rec)
		}
	}
	logger.Info().
		Str("range", r.String()).
		Int("fetched", len(raw)).
		Int("kept", len(records)).
		Msg("Sub-range crawled")
	return records, nil
}

// fetchCrawled asks a DBWorker for the stored records of the window and
// waits for the correlated on_fetched_data response.
func (w *CrawlWorker) fetchCrawled(ctx context.Context, keyword string, window models.DateRange) ([]models.TweetRecord, error) {
	req, err := models.NewEnvelope(models.StatusPending,
		[]string{models.Path(models.WorkerClassDB, models.MethodGetCrawledData, "")},
		models.CrawledQuery{Keyword: keyword, Range: window})
	if err != nil {
		return nil, models.NewFault(models.ReasonTransport, err)
	}
	req.Source = w.name
	req.ReplyTo = w.name

	ch := w.corr.Expect(req.MessageID)
	if !w.emit(req) {
		w.corr.Cancel(req.MessageID)
		return nil, models.Faultf(models.ReasonTransport, "emit get_crawled_data failed")
	}

	resp, err := w.corr.Await(ctx, req.MessageID, ch, w.fetchTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Status == models.StatusFailed {
		return nil, models.Faultf(models.ReasonTransport, "get_crawled_data failed: %s", resp.Reason)
	}

	var result models.CrawledResult
	if err := resp.DecodeData(&result); err != nil {
		return nil, models.NewFault(models.ReasonTransport, err)
	}
	return result.Data, nil
}

// handoff persists the harvest, re-reads the window and notifies
// downstream. The notice reflects what the store now holds: a window
// still empty after the crawl becomes a NO_TWEET_FOUND compensation.
func (w *CrawlWorker) handoff(ctx context.Context, logger arbor.ILogger, job models.Job, harvested []models.TweetRecord) error {
	create, err := models.NewEnvelope(models.StatusCompleted,
		[]string{models.Path(models.WorkerClassDB, models.MethodCreateNewData, job.ProjectID)},
		models.CreateRequest{ProjectID: job.ProjectID, Data: harvested})
	if err != nil {
		return models.NewFault(models.ReasonTransport, err)
	}
	create.Source = w.name
	if !w.emit(create) {
		return models.Faultf(models.ReasonTransport, "emit create_new_data failed")
	}

	stored, err := w.fetchCrawled(ctx, job.Keyword, job.Range())
	if err != nil {
		return err
	}

	status := models.StatusCompleted
	reason := ""
	if len(stored) == 0 {
		status = models.StatusFailed
		reason = string(models.ReasonNoTweetFound)
	}

	notice, err := models.NewEnvelope(status,
		[]string{models.Path(models.WorkerClassGateway, models.MethodProduceData, job.ProjectID)},
		models.NewProduceNotice(job))
	if err != nil {
		return models.NewFault(models.ReasonTransport, err)
	}
	notice.Source = w.name
	notice.Reason = reason
	if !w.emit(notice) {
		return models.Faultf(models.ReasonTransport, "emit produce_data failed")
	}

	logger.Info().
		Int("harvested", len(harvested)).
		Int("stored", len(stored)).
		Str("status", string(status)).
		Msg("Handoff complete")
	return nil
}
