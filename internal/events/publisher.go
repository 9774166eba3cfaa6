// Package events publishes queue events to RabbitMQ for downstream consumers
// such as the portal's messaging and reporting services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/store"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const DefaultQueue = "cidade.queue.events"

type Message struct {
	EventID   string          `json:"event_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	TicketID  string          `json:"ticket_id"`
	Ticket    json.RawMessage `json:"ticket"`
	CreatedAt time.Time       `json:"created_at"`
}

func MessageFromEvent(event store.Event) Message {
	return Message{
		EventID:   event.EventID,
		Seq:       event.Seq,
		Type:      event.Type,
		TicketID:  event.TicketID,
		Ticket:    event.Payload,
		CreatedAt: event.CreatedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// AMQPPublisher keeps one connection and channel open and redials after a
// failed publish.
type AMQPPublisher struct {
	url    string
	queue  string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(url, queue string, logger *zap.Logger) *AMQPPublisher {
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPPublisher{url: url, queue: queue, logger: logger}
}

func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx,
		"",
		p.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.EventID,
			Type:         msg.Type,
			Timestamp:    msg.CreatedAt,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Warn("rabbitmq publish failed", zap.String("event_id", msg.EventID), zap.Error(err))
		p.reset()
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

func (p *AMQPPublisher) ensureChannel() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.reset()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("events: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("events: channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("events: declare %s: %w", p.queue, err)
	}
	p.conn = conn
	p.ch = ch
	return nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
