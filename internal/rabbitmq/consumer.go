package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

// Consumer reads one topic from a durable queue bound to the events
// exchange. The queue name plays the role of a kafka consumer group.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	workers int
}

func NewConsumer(amqpURL, exchange, queue, topic string, workers int) (*Consumer, error) {
	if workers <= 0 {
		workers = 1
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	fail := func(err error) (*Consumer, error) {
		channel.Close()
		conn.Close()
		return nil, err
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("declare exchange %s: %w", exchange, err))
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("declare queue %s: %w", queue, err))
	}
	if err := channel.QueueBind(queue, topic, exchange, false, nil); err != nil {
		return fail(fmt.Errorf("bind queue %s to %s: %w", queue, topic, err))
	}
	if err := channel.Qos(workers, 0, false); err != nil {
		return fail(fmt.Errorf("set qos: %w", err))
	}
	return &Consumer{conn: conn, channel: channel, queue: queue, workers: workers}, nil
}

// Start consumes until ctx is done. A failed delivery is nacked and
// requeued.
func (c *Consumer) Start(ctx context.Context, h events.Handler) error {
	defer c.conn.Close()
	defer c.channel.Close()

	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					if err := h(ctx, toEvent(d)); err != nil {
						log.Warn().Err(err).Int("worker", id).Str("routing_key", d.RoutingKey).Msg("handler failed, message requeued")
						_ = d.Nack(false, true)
						continue
					}
					if err := d.Ack(false); err != nil {
						log.Warn().Err(err).Str("message_id", d.MessageId).Msg("ack failed")
					}
				}
			}
		}(i)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-c.conn.NotifyClose(make(chan *amqp.Error, 1)):
		if err == nil {
			return nil
		}
		return fmt.Errorf("rabbitmq connection closed: %w", err)
	}
}

func toEvent(d amqp.Delivery) events.Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return events.Message{
		Topic:   d.RoutingKey,
		Key:     []byte(d.CorrelationId),
		Value:   d.Body,
		Headers: headers,
	}
}
