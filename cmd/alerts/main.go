package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-order-saga/internal/alerts"
	"github.com/ariefcatur/go-order-saga/internal/config"
	"github.com/ariefcatur/go-order-saga/internal/events"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logx"
	"github.com/ariefcatur/go-order-saga/internal/rabbitmq"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/ariefcatur/go-order-saga/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	cfg = cfg.For("stock-alerts", "")
	logx.Setup(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("stock-alerts stopped")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTelEndpoint, cfg.ServiceName)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	h := alerts.NewHandler(alerts.NewRedisDeduper(rdb, cfg.AlertsGroup), alerts.LogNotifier{}, cfg.AlertsDebounce)

	var cons consumer
	switch cfg.EventBroker {
	case "kafka":
		cons = kafkax.NewConsumer(cfg.KafkaBrokers, cfg.AlertsGroup, events.TopicStockLowAlert, cfg.AlertsWorkers)
	case "rabbitmq":
		c, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, cfg.RabbitMQExchange, cfg.AlertsGroup, events.TopicStockLowAlert, cfg.AlertsWorkers)
		if err != nil {
			return err
		}
		cons = c
	default:
		return fmt.Errorf("stock alerts need an event broker, EVENT_BROKER is %q", cfg.EventBroker)
	}

	log.Info().
		Str("broker", cfg.EventBroker).
		Str("group", cfg.AlertsGroup).
		Str("topic", events.TopicStockLowAlert).
		Int("workers", cfg.AlertsWorkers).
		Dur("debounce", cfg.AlertsDebounce).
		Msg("stock alert consumer started")
	return cons.Start(ctx, h.Handle)
}

type consumer interface {
	Start(ctx context.Context, h events.Handler) error
}
