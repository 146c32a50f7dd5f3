package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"admitflow/internal/config"
	"admitflow/internal/workflow"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// Publisher sends domain events to the configured exchange. Producers outside
// this service use the same message shape.
type Publisher struct {
	cfg  config.EventsConfig
	conn *amqp.Connection
	ch   *amqp.Channel
}

func DialPublisher(cfg config.EventsConfig) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return &Publisher{cfg: cfg, conn: conn, ch: ch}, nil
}

// RoutingKey 事件路由键，例如 application.application_submitted
func RoutingKey(t string) string {
	return "application." + strings.ToLower(t)
}

// Message builds the AMQP message for evt.
func Message(evt workflow.Event, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    now,
		Body:         body,
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, evt workflow.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := Message(evt, time.Now())
	if err != nil {
		return err
	}
	injectTrace(ctx, &msg)
	return p.ch.Publish(p.cfg.Exchange, RoutingKey(string(evt.Trigger)), false, false, msg)
}

func (p *Publisher) Close() error {
	_ = p.ch.Close()
	return p.conn.Close()
}
