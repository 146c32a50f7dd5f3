package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"admitflow/internal/config"
	"admitflow/internal/metrics"
	"admitflow/internal/models"
	"admitflow/internal/workflow"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel/attribute"
)

// Handler receives decoded domain events.
type Handler interface {
	HandleEvent(ctx context.Context, evt workflow.Event) ([]*models.Execution, error)
}

// Outcome is what happens to a delivery after handling.
type Outcome int

const (
	Ack     Outcome = iota
	Requeue         // nack + requeue, the event is retried
	Reject          // dropped, the message can never succeed
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Decide maps a handling error to a delivery outcome. Only engine failures are
// retried; a missing subject will not appear by retrying.
func Decide(err error) Outcome {
	switch {
	case err == nil:
		return Ack
	case workflow.IsValidation(err):
		return Reject
	case workflow.IsEngineError(err) && errors.Is(err, workflow.ErrNotFound):
		return Ack
	case workflow.IsEngineError(err):
		return Requeue
	default:
		return Ack
	}
}

// Consumer reads domain events from a RabbitMQ queue bound to a topic exchange.
type Consumer struct {
	cfg     config.EventsConfig
	handler Handler
	logger  *logrus.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
	wg   sync.WaitGroup
}

func NewConsumer(cfg config.EventsConfig, handler Handler, logger *logrus.Logger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Workers
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Consumer{cfg: cfg, handler: handler, logger: logger}
}

// Start declares the topology and launches the workers. Workers stop when ctx is
// cancelled or the channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.AMQPURL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	c.conn, c.ch = conn, ch

	deliveries, err := c.declare()
	if err != nil {
		_ = c.Close()
		return err
	}

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.work(ctx, deliveries)
	}
	c.logger.Infof("events: consuming %s (exchange %s, key %s) with %d worker(s)", c.cfg.Queue, c.cfg.Exchange, c.cfg.RoutingKey, c.cfg.Workers)
	return nil
}

func (c *Consumer) declare() (<-chan amqp.Delivery, error) {
	if c.cfg.Exchange != "" {
		if err := c.ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
		}
	}
	if _, err := c.ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	if c.cfg.Exchange != "" {
		if err := c.ch.QueueBind(c.cfg.Queue, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind queue %s: %w", c.cfg.Queue, err)
		}
	}
	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("qos: %w", err)
	}
	deliveries, err := c.ch.Consume(c.cfg.Queue, "admitflow", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	return deliveries, nil
}

func (c *Consumer) work(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("events: delivery channel closed")
				return
			}
			c.Process(ctx, d)
		}
	}
}

// Process handles one delivery and settles it.
func (c *Consumer) Process(ctx context.Context, d amqp.Delivery) Outcome {
	ctx, span := startConsumeSpan(ctx, d)
	defer span.End()
	log := c.logger.WithFields(logrus.Fields{"routing_key": d.RoutingKey, "message_id": d.MessageId})

	var outcome Outcome
	evt, err := Decode(d.Body)
	if err != nil {
		log.Warnf("events: malformed event dropped: %v", err)
		outcome = Reject
	} else {
		log = log.WithFields(logrus.Fields{"trigger": evt.Trigger, "subject_id": evt.SubjectID})
		execs, herr := c.handler.HandleEvent(ctx, evt)
		outcome = Decide(herr)
		switch outcome {
		case Ack:
			if herr != nil {
				log.Warnf("events: event skipped: %v", herr)
			} else {
				log.Debugf("events: %d execution(s)", len(execs))
			}
		case Requeue:
			log.Errorf("events: engine failure, requeueing: %v", herr)
		case Reject:
			log.Warnf("events: invalid event dropped: %v", herr)
		}
	}

	metrics.IncEvent(outcome.String())
	span.SetAttributes(attribute.String("messaging.outcome", outcome.String()))
	var serr error
	switch outcome {
	case Ack:
		serr = d.Ack(false)
	case Requeue:
		serr = d.Nack(false, true)
	case Reject:
		serr = d.Reject(false)
	}
	if serr != nil {
		log.Errorf("events: settle delivery (%s) failed: %v", outcome, serr)
	}
	return outcome
}

// Decode parses a JSON event body.
func Decode(body []byte) (workflow.Event, error) {
	var evt workflow.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return evt, err
	}
	if evt.Trigger == "" {
		return evt, errors.New("trigger_type is required")
	}
	return evt, nil
}

// Close waits for the workers and closes the channel and connection.
func (c *Consumer) Close() error {
	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
