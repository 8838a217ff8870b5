// Package broker picks the event sink a service publishes through.
package broker

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-order-saga/internal/config"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/rabbitmq"
	"github.com/rs/zerolog/log"
)

const producerBuffer = 1024

// Open returns the sink selected by cfg.EventBroker and a close func that
// flushes it. Call close only after the last Emit.
func Open(cfg config.Config) (events.Sink, func(), error) {
	switch cfg.EventBroker {
	case "kafka":
		p := kafka.NewProducer(cfg.KafkaBrokers, producerBuffer)
		p.Start(context.Background())
		log.Info().Strs("brokers", cfg.KafkaBrokers).Msg("publishing events to kafka")
		return p, func() {
			p.Close()
			p.WaitClosed()
		}, nil
	case "rabbitmq":
		p, err := rabbitmq.NewPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("exchange", cfg.RabbitMQExchange).Msg("publishing events to rabbitmq")
		return p, p.Close, nil
	case "none":
		log.Warn().Msg("event publishing disabled")
		return events.Discard{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown event broker %q", cfg.EventBroker)
	}
}
