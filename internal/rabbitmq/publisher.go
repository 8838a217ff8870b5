package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/streadway/amqp"
)

// Publisher sends events to a durable topic exchange, using the event topic
// as routing key. It is the alternative sink for EVENT_BROKER=rabbitmq.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

var _ events.Sink = (*Publisher)(nil)

func NewPublisher(amqpURL, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{conn: conn, channel: channel, exchange: exchange}, nil
}

func (p *Publisher) Send(ctx context.Context, m events.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Publish(p.exchange, m.Topic, false, false, publishing(m)); err != nil {
		return fmt.Errorf("publish %s: %w", m.Topic, err)
	}
	return nil
}

func publishing(m events.Message) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range m.Headers {
		headers[k] = v
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         m.Value,
	}
	if id, ok := m.Headers["event_id"]; ok {
		pub.MessageId = id
	}
	if t, ok := m.Headers["event_type"]; ok {
		pub.Type = t
	}
	// Consumers of a topic exchange have no partitions; the entity key is kept
	// for ordering-aware consumers.
	pub.CorrelationId = string(m.Key)
	return pub
}

func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
