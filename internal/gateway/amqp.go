package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/common"
)

// NewAMQPDialer returns a Dialer that establishes one RabbitMQ
// session: a connection with heartbeat, one channel, durable declares
// for the three queues, QoS prefetch and a consumer on the project
// queue. Declares are idempotent, so every redial re-asserts them.
func NewAMQPDialer(cfg common.BrokerConfig, logger arbor.ILogger) Dialer {
	heartbeat := common.ParseDurationOr(cfg.Heartbeat, 10*time.Second)

	return func(ctx context.Context) (Link, error) {
		props := amqp.NewConnectionProperties()
		props.SetClientConnectionName("colligo-gateway")

		conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
			Heartbeat:  heartbeat,
			Properties: props,
		})
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", err)
		}

		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("open channel: %w", err)
		}

		for _, queue := range []string{cfg.ProjectQueue, cfg.DataGatheringQueue, cfg.CompensationQueue} {
			if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
				conn.Close()
				return nil, fmt.Errorf("declare queue %s: %w", queue, err)
			}
		}

		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set qos: %w", err)
		}

		inbound, err := ch.Consume(cfg.ProjectQueue, "colligo-gateway", false, false, false, false, nil)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("consume %s: %w", cfg.ProjectQueue, err)
		}

		s := &amqpSession{
			conn:   conn,
			ch:     ch,
			logger: logger,
			out:    make(chan Delivery),
			broken: make(chan error, 1),
			done:   make(chan struct{}),
		}
		go s.forward(inbound)
		go s.watch(
			conn.NotifyClose(make(chan *amqp.Error, 1)),
			conn.NotifyBlocked(make(chan amqp.Blocking, 1)),
		)
		return s, nil
	}
}

// amqpSession adapts one amqp091 connection to the Link contract.
type amqpSession struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger arbor.ILogger

	out    chan Delivery
	broken chan error
	done   chan struct{}
	once   sync.Once
}

var _ Link = (*amqpSession)(nil)

func (s *amqpSession) Deliveries() <-chan Delivery { return s.out }

func (s *amqpSession) Notify() <-chan error { return s.broken }

func (s *amqpSession) Publish(ctx context.Context, queue string, body []byte) error {
	return s.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (s *amqpSession) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// forward bridges broker deliveries onto the Link stream. The stream
// closes when the broker channel does, so the gateway sees a clean end
// of input on shutdown.
func (s *amqpSession) forward(inbound <-chan amqp.Delivery) {
	defer close(s.out)
	for d := range inbound {
		select {
		case s.out <- Delivery{Body: d.Body, Ack: func() error { return d.Ack(false) }}:
		case <-s.done:
			return
		}
	}
}

// watch folds the close and blocked notifications into one break
// signal. A graceful local Close produces no signal.
func (s *amqpSession) watch(closed <-chan *amqp.Error, blocked <-chan amqp.Blocking) {
	for {
		select {
		case err, ok := <-closed:
			if ok && err != nil {
				s.fail(err)
			}
			return
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			if b.Active {
				s.fail(fmt.Errorf("broker blocked connection: %s", b.Reason))
				return
			}
			s.logger.Debug().Msg("Broker unblocked connection")
		case <-s.done:
			return
		}
	}
}

func (s *amqpSession) fail(err error) {
	select {
	case s.broken <- err:
	default:
	}
}
