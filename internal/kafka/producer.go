package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

var ErrProducerClosed = errors.New("kafka: producer closed")

// Producer is a multi-topic async writer. Messages carry their own topic and
// are hash-partitioned by key, so one entity's events stay ordered.
type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewProducer(brokers []string, buf int) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			Async:                  true,
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					log.Warn().Err(err).Int("count", len(msgs)).Msg("kafka async write failed")
				}
			},
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

// Start runs the write loop until Close is called or ctx is done. Both
// paths drain what is already queued before closing the writer.
func (p *Producer) Start(ctx context.Context) {
	go p.loop(ctx, p.w)
}

func (p *Producer) loop(ctx context.Context, w messageWriter) {
	defer close(p.closeCh)
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			// Close waits for in-flight Sends, which need the loop draining.
			go p.Close()
		case m, ok := <-p.inbox:
			if !ok {
				if err := w.Close(); err != nil {
					log.Warn().Err(err).Msg("kafka writer close")
				}
				return
			}
			if err := w.WriteMessages(context.Background(), m); err != nil {
				log.Warn().Err(err).Str("topic", m.Topic).Str("key", string(m.Key)).Msg("kafka write failed")
			}
		}
	}
}

// Send implements events.Sink. It only enqueues; delivery is asynchronous.
func (p *Producer) Send(ctx context.Context, m events.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	headers := make([]kafka.Header, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	msg := kafka.Message{
		Topic:   m.Topic,
		Key:     m.Key,
		Value:   m.Value,
		Time:    time.Now(),
		Headers: headers,
	}
	select {
	case p.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages. Safe to call more than once.
func (p *Producer) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.inbox)
		p.mu.Unlock()
	})
}

// WaitClosed blocks until queued messages are flushed and the writer is closed.
func (p *Producer) WaitClosed() { <-p.closeCh }
