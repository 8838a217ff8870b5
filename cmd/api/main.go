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
	"github.com/ariefcatur/go-order-saga/internal/clients"
	"github.com/ariefcatur/go-order-saga/internal/config"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/ariefcatur/go-order-saga/internal/httpx"
	"github.com/ariefcatur/go-order-saga/internal/logx"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/postgres"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
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
	cfg = cfg.For("order-api", ":8081")
	logx.Setup(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("order-api stopped")
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
		if err := postgres.Migrate(cfg.PostgresDSN, postgres.SchemaOrders); err != nil {
			return err
		}
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Events
	sink, closeSink, err := broker.Open(cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	// Saga
	repo := &orders.PGRepository{DB: db}
	ledger := clients.NewInventoryClient(cfg.InventoryServiceURL, cfg.InternalCallToken, cfg.CallTimeout)
	coord := orders.NewCoordinator(ledger, repo)
	svc := orders.NewService(
		repo,
		clients.NewUserClient(cfg.UserServiceURL, cfg.CallTimeout),
		clients.NewCatalogClient(cfg.ProductServiceURL, cfg.CallTimeout),
		coord,
		events.NewEmitter(sink, cfg.ServiceName),
	)
	reconciler := orders.NewReconciler(repo, coord, cfg.ReconcileInterval, cfg.ReconcileBatch)

	// HTTP
	router := httpx.NewRouter(cfg.ServiceName)
	store := httpx.NewRedisStore(rdb)
	(&httpx.OrdersHandler{Service: svc, Cache: store, Idem: store}).Register(router)
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
		log.Info().Dur("interval", cfg.ReconcileInterval).Msg("saga reconciler started")
		return reconciler.Run(gctx)
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
