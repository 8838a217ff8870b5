package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
	laneBuffer     = 256
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       messageReader
	workers int
	backoff func(attempt int) time.Duration
}

func NewConsumer(brokers []string, group, topic string, workers int) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return newConsumer(r, workers)
}

func newConsumer(r messageReader, workers int) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, backoff: retryDelay}
}

// retryDelay is the wait after failed attempt number attempt: 200ms doubling,
// capped at retryMaxDelay.
func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return d
}

// Start fetches messages and fans them out to the worker pool until ctx is
// done. Every partition is pinned to one worker and a failed message is
// retried in place, so an offset is committed only once all earlier offsets
// of its partition were handled.
func (c *Consumer) Start(ctx context.Context, h events.Handler) error {
	defer c.r.Close()

	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, laneBuffer)
		wg.Add(1)
		go func(id int, jobs <-chan kafka.Message) {
			defer wg.Done()
			for m := range jobs {
				if !c.handle(ctx, id, h, m) {
					return
				}
				if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Int("partition", m.Partition).Int64("offset", m.Offset).Msg("commit failed")
				}
			}
		}(i, lanes[i])
	}
	defer wg.Wait()
	defer func() {
		for _, l := range lanes {
			close(l)
		}
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case lanes[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// handle runs h until it succeeds. It reports false when ctx ended first.
func (c *Consumer) handle(ctx context.Context, worker int, h events.Handler, m kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		err := h(ctx, ToEvent(m))
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		d := c.backoff(attempt)
		log.Warn().Err(err).
			Int("worker", worker).
			Str("topic", m.Topic).
			Int("partition", m.Partition).
			Int64("offset", m.Offset).
			Int("attempt", attempt).
			Dur("retry_in", d).
			Msg("handler failed, retrying")

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// ToEvent converts a fetched message into the broker-neutral form.
func ToEvent(m kafka.Message) events.Message {
	return events.Message{Topic: m.Topic, Key: m.Key, Value: m.Value, Headers: Headers(m)}
}

// Headers flattens kafka headers into a map for trace extraction.
func Headers(m kafka.Message) map[string]string {
	out := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
