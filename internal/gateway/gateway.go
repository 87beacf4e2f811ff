// Package gateway bridges the broker and the supervisor: inbound
// project messages become crawling envelopes, routed produce_data
// envelopes become downstream publishes. One instance owns one broker
// session; publishes that fail while the session is down are
// journalled to the outbound spool and drained on reconnect.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/bus"
	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

const (
	defaultHeartbeat      = 30 * time.Second
	defaultRedialDelay    = 5 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// Delivery is one inbound broker message. Ack confirms consumption; an
// unacked delivery is redelivered by the broker once the session ends.
type Delivery struct {
	Body []byte
	Ack  func() error
}

// Link is one established broker session. The live implementation
// wraps an amqp091 connection; tests script one in memory.
type Link interface {
	// Deliveries returns the inbound project-queue stream. The channel
	// closes when the session ends.
	Deliveries() <-chan Delivery

	// Publish sends body to the named queue with persistent delivery.
	Publish(ctx context.Context, queue string, body []byte) error

	// Notify yields at most one error when the session breaks
	// (connection closed by the broker or TCP flow blocked).
	Notify() <-chan error

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Dialer establishes a broker session. The gateway calls it on start
// and again on the redial timer after a failed attempt.
type Dialer func(ctx context.Context) (Link, error)

// Gateway is the BrokerGateway worker class. The run loop serves four
// sources at once: the broker consume stream, the supervisor mailbox,
// the session-break notification and the heartbeat tick.
type Gateway struct {
	name   string
	inbox  *bus.Mailbox
	emit   bus.Emit
	logger arbor.ILogger

	dial  Dialer
	spool interfaces.Spool

	projectQueue      string
	dataQueue         string
	compensationQueue string
	publishTimeout    time.Duration
	redialDelay       time.Duration
	heartbeatTick     time.Duration

	sess Link
}

var _ interfaces.Worker = (*Gateway)(nil)

// NewGatewayFactory builds gateway instances over a shared dialer and
// spool. Queue names and the publish deadline come from the broker
// config; per-instance tuning from the class config map.
func NewGatewayFactory(dial Dialer, spool interfaces.Spool, broker common.BrokerConfig, logger arbor.ILogger) interfaces.WorkerFactory {
	return func(spawn interfaces.WorkerSpawn) (interfaces.Worker, error) {
		if dial == nil {
			return nil, errors.New("gateway requires a dialer")
		}
		return &Gateway{
			name:              spawn.Instance,
			inbox:             spawn.Inbox,
			emit:              spawn.Emit,
			logger:            logger,
			dial:              dial,
			spool:             spool,
			projectQueue:      broker.ProjectQueue,
			dataQueue:         broker.DataGatheringQueue,
			compensationQueue: broker.CompensationQueue,
			publishTimeout:    common.ParseDurationOr(broker.PublishTimeout, defaultPublishTimeout),
			redialDelay:       spawn.Config.Duration("redial_delay", defaultRedialDelay),
			heartbeatTick:     spawn.Config.Duration("heartbeat_interval", defaultHeartbeat),
		}, nil
	}
}

func (g *Gateway) Name() string { return g.name }
func (g *Gateway) Class() models.WorkerClass { return models.WorkerClassGateway }

// Run drains the mailbox and the broker stream until the context ends
// or the mailbox closes. A lost session is reported to the supervisor
// and served degraded (publishes spool) until the restart arrives; a
// failed dial is retried locally on the redial timer.
func (g *Gateway) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(g.heartbeatTick)
	defer heartbeat.Stop()

	g.emitHealthy()

	var (
		deliveries <-chan Delivery
		broken     <-chan error
		redial     <-chan time.Time
	)

	connect := func() {
		sess, err := g.dial(ctx)
		if err != nil {
			g.logger.Warn().
				Err(err).
				Str("instance", g.name).
				Dur("retry_in", g.redialDelay).
				Msg("Broker dial failed")
			redial = time.After(g.redialDelay)
			return
		}
		g.sess = sess
		deliveries = sess.Deliveries()
		broken = sess.Notify()
		redial = nil
		g.logger.Info().
			Str("instance", g.name).
			Str("project_queue", g.projectQueue).
			Msg("Broker session established")
		g.drainSpool(ctx)
	}
	connect()

	defer func() {
		if g.sess != nil {
			g.sess.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			g.emitHealthy()
		case <-redial:
			connect()
		case err := <-broken:
			g.logger.Error().
				Err(err).
				Str("instance", g.name).
				Msg("Broker session lost")
			g.sess.Close()
			g.sess = nil
			deliveries = nil
			broken = nil
			// The supervisor restarts this instance; the replacement
			// dials fresh. Until the kill lands, publishes spool.
			if !g.emitError(err) {
				return fmt.Errorf("broker session lost: %w", err)
			}
		case d, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			g.consume(d)
		case env, ok := <-g.inbox.Inbox():
			if !ok {
				return nil
			}
			g.handle(ctx, env)
		}
	}
}

// consume rewrites one broker payload into a crawling envelope. The
// delivery is acked once the supervisor has the envelope; malformed
// payloads are acked away so the broker does not redeliver them.
func (g *Gateway) consume(d Delivery) {
	if !json.Valid(d.Body) {
		g.logger.Warn().
			Str("instance", g.name).
			Int("bytes", len(d.Body)).
			Msg("Dropping malformed project message")
		g.emitRejected()
		g.ackDelivery(d)
		return
	}

	env, err := models.NewEnvelope(models.StatusCompleted,
		[]string{models.Path(models.WorkerClassCrawl, models.MethodCrawling, "")}, nil)
	if err != nil {
		g.emitRejected()
		g.ackDelivery(d)
		return
	}
	env.Source = g.name
	env.Data = json.RawMessage(d.Body)

	if !g.emit(env) {
		// Supervisor is gone; leave the delivery unacked so the broker
		// redelivers it to the next session.
		return
	}
	g.logger.Debug().
		Str("instance", g.name).
		Str("message_id", env.MessageID).
		Msg("Project message accepted")
	g.ackDelivery(d)
}

// handle dispatches one routed envelope from the supervisor.
func (g *Gateway) handle(ctx context.Context, env models.Envelope) {
	_, method, param := models.ParsePath(firstPath(env.Destination))
	switch method {
	case models.MethodProduceData:
		g.produce(ctx, env, param)
	case models.MethodDrainSpool:
		g.drainSpool(ctx)
		g.emit(env.Ack(g.name, models.StatusCompleted, ""))
	default:
		g.logger.Warn().
			Str("instance", g.name).
			Str("path", firstPath(env.Destination)).
			Msg("Unsupported method for gateway")
		g.emit(env.Ack(g.name, models.StatusFailed, string(models.ReasonBadInput)))
	}
}

// produce publishes the envelope's data downstream: completed notices
// to the data-gathering queue, NO_TWEET_FOUND compensations to the
// compensation queue. A failed or offline publish is journalled to the
// spool instead, so the notice survives the outage.
func (g *Gateway) produce(ctx context.Context, env models.Envelope, projectID string) {
	queue, ok := g.routeQueue(env)
	if !ok {
		g.logger.Warn().
			Str("instance", g.name).
			Str("status", string(env.Status)).
			Str("reason", env.Reason).
			Msg("Produce envelope matches no outbound queue")
		g.emit(env.Ack(g.name, models.StatusFailed, string(models.ReasonBadInput)))
		return
	}

	if g.sess == nil {
		g.enqueueSpool(ctx, env, queue, projectID)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, g.publishTimeout)
	defer cancel()
	if err := g.sess.Publish(pubCtx, queue, env.Data); err != nil {
		g.logger.Warn().
			Err(err).
			Str("instance", g.name).
			Str("queue", queue).
			Msg("Publish failed, journalling to spool")
		g.enqueueSpool(ctx, env, queue, projectID)
		g.emitError(err)
		return
	}

	g.logger.Info().
		Str("instance", g.name).
		Str("queue", queue).
		Str("project_id", projectID).
		Str("status", string(env.Status)).
		Msg("Notice published")
	g.emit(env.Ack(g.name, models.StatusCompleted, ""))
}

// routeQueue maps envelope outcome to outbound queue.
func (g *Gateway) routeQueue(env models.Envelope) (string, bool) {
	switch {
	case env.Status == models.StatusCompleted:
		return g.dataQueue, true
	case env.Status == models.StatusFailed && env.Reason == string(models.ReasonNoTweetFound):
		return g.compensationQueue, true
	default:
		return "", false
	}
}

// enqueueSpool journals an undeliverable publish and acks the envelope:
// the spool owns redelivery from here.
func (g *Gateway) enqueueSpool(ctx context.Context, env models.Envelope, queue, projectID string) {
	if g.spool == nil {
		g.logger.Error().
			Str("instance", g.name).
			Str("queue", queue).
			Str("project_id", projectID).
			Msg("No spool configured, notice lost")
		g.emit(env.Ack(g.name, models.StatusFailed, string(models.ReasonTransport)))
		return
	}
	if err := g.spool.Enqueue(ctx, queue, env.Data); err != nil {
		g.logger.Error().
			Err(err).
			Str("instance", g.name).
			Str("queue", queue).
			Msg("Spool enqueue failed, notice lost")
		g.emit(env.Ack(g.name, models.StatusFailed, string(models.ReasonTransport)))
		return
	}
	g.emit(env.Ack(g.name, models.StatusCompleted, ""))
}

// drainSpool republishes journalled notices while the session holds.
// A publish failure stops the drain; the claimed entry reappears after
// its visibility timeout.
func (g *Gateway) drainSpool(ctx context.Context) {
	if g.spool == nil || g.sess == nil {
		return
	}

	drained := 0
	for {
		entry, remove, err := g.spool.Receive(ctx)
		if err != nil {
			if !errors.Is(err, models.ErrNoMessage) {
				g.logger.Warn().
					Err(err).
					Str("instance", g.name).
					Msg("Spool receive failed")
			}
			break
		}

		pubCtx, cancel := context.WithTimeout(ctx, g.publishTimeout)
		err = g.sess.Publish(pubCtx, entry.Queue, entry.Body)
		cancel()
		if err != nil {
			g.logger.Warn().
				Err(err).
				Str("instance", g.name).
				Str("queue", entry.Queue).
				Msg("Spool drain publish failed, entry will reappear")
			break
		}
		if err := remove(); err != nil {
			g.logger.Warn().
				Err(err).
				Str("instance", g.name).
				Str("spool_id", entry.ID).
				Msg("Spool delete failed after republish")
			break
		}
		drained++
	}

	if drained > 0 {
		g.logger.Info().
			Str("instance", g.name).
			Int("drained", drained).
			Msg("Spool drained to broker")
	}
}

func (g *Gateway) ackDelivery(d Delivery) {
	if d.Ack == nil {
		return
	}
	if err := d.Ack(); err != nil {
		g.logger.Warn().
			Err(err).
			Str("instance", g.name).
			Msg("Broker ack failed")
	}
}

// emitHealthy announces instance liveness to the supervisor.
func (g *Gateway) emitHealthy() {
	env, err := models.NewEnvelope(models.StatusHealthy, []string{models.SupervisorTarget}, nil)
	if err != nil {
		return
	}
	env.Source = g.name
	g.emit(env)
}

// emitError reports a broken session; the supervisor responds by
// restarting this instance.
func (g *Gateway) emitError(cause error) bool {
	env, err := models.NewEnvelope(models.StatusError, []string{models.SupervisorTarget}, nil)
	if err != nil {
		return false
	}
	env.Source = g.name
	env.Reason = cause.Error()
	return g.emit(env)
}

// emitRejected notes a dropped inbound payload. Nothing retries it.
func (g *Gateway) emitRejected() {
	env, err := models.NewEnvelope(models.StatusFailed, []string{models.SupervisorTarget}, nil)
	if err != nil {
		return
	}
	env.Source = g.name
	env.Reason = string(models.ReasonBadInput)
	g.emit(env)
}

func firstPath(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}
