package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/broker"
	"github.com/ariefcatur/go-order-saga/internal/config"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/ariefcatur/go-order-saga/internal/httpx"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/ariefcatur/go-order-saga/internal/logx"
	"github.com/ariefcatur/go-order-saga/internal/postgres"
	"github.com/ariefcatur/go-order-saga/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	cfg = cfg.For("inventory", ":8082")
	logx.Setup(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("inventory stopped")
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

	// DB
	if cfg.MigrateOnStart {
		if err := postgres.Migrate(cfg.PostgresDSN, postgres.SchemaInventory); err != nil {
			return err
		}
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	// Events
	sink, closeSink, err := broker.Open(cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	ledger := inventory.NewLedger(&inventory.PGStore{DB: db}, events.NewEmitter(sink, cfg.ServiceName))

	router := httpx.NewRouter(cfg.ServiceName)
	(&httpx.InventoryHandler{Ledger: ledger, InternalToken: cfg.InternalCallToken}).Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
