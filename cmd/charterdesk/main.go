package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/adapters/handler"
	"github.com/DanielPopoola/charterdesk/internal/adapters/kafka"
	"github.com/DanielPopoola/charterdesk/internal/adapters/notify"
	"github.com/DanielPopoola/charterdesk/internal/adapters/postgres"
	"github.com/DanielPopoola/charterdesk/internal/adapters/rail"
	redisadapter "github.com/DanielPopoola/charterdesk/internal/adapters/redis"
	"github.com/DanielPopoola/charterdesk/internal/config"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/DanielPopoola/charterdesk/internal/core/service"
	"github.com/DanielPopoola/charterdesk/internal/metrics"
	"github.com/DanielPopoola/charterdesk/internal/screening"
	"github.com/DanielPopoola/charterdesk/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("charterdesk exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := cfg.Logger.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting charterdesk",
		"env", cfg.Primary.Env,
		"port", cfg.Server.Port,
		"log_level", cfg.Logger.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}
	store := postgres.NewStore(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var complianceRepo ports.ComplianceRepository = store
	redisClient, err := redisadapter.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		complianceRepo = redisadapter.NewCachedComplianceRepository(store, redisClient, cfg.Redis.TTL, logger)
		logger.Info("compliance cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.TTL)
	}

	var publisher ports.EventPublisher = notify.NewLogPublisher(logger)
	if cfg.Kafka.Enabled() {
		kp, err := kafka.NewPublisher(cfg.Kafka, logger)
		if err != nil {
			return err
		}
		defer kp.Close()
		publisher = kp
		logger.Info("kafka publisher enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	railClient := rail.NewRetryClient(rail.NewHTTPClient(cfg.Rail), cfg.Retry, logger)
	notifier := notify.NewLogNotifier(logger)

	complianceService := service.NewComplianceService(complianceRepo, store, screening.NewMatcher(nil), cfg.Compliance, m, logger)
	if err := complianceService.ReloadWatchlist(ctx); err != nil {
		return err
	}
	escrowService := service.NewEscrowService(store, complianceService, railClient, notifier, cfg.Escrow, m, logger)
	dealService := service.NewDealService(store, escrowService, notify.NewStaticDirectory(cfg.Directory.Operators), notifier, m, logger)

	h := handler.NewHandler(handler.Services{
		Deals:      dealService,
		Escrow:     escrowService,
		Compliance: complianceService,
		Evidence:   service.NewEvidenceService(store),
		Queries:    service.NewQueryService(store),
	}, handler.NewAuthenticator(cfg.Auth, logger), cfg.Server.HandlerTimeout, logger)

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Server.Port,
		Handler:      h.Routes(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	workers := []interface{ Start(context.Context) error }{
		worker.NewAuthorizationExpiryWorker(escrowService, cfg.Worker.Interval, cfg.Worker.BatchSize, logger),
		worker.NewRailReconciler(escrowService, cfg.Escrow.TransferStaleAfter, cfg.Worker.Interval, cfg.Worker.BatchSize, logger),
		worker.NewScreeningSweep(complianceService, cfg.Worker.Interval, cfg.Worker.BatchSize, logger),
		worker.NewOutboxRelay(store, publisher, m, cfg.Worker.RelayInterval, cfg.Worker.BatchSize, logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Start(gctx) })
	}

	g.Go(func() error {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited")
	return nil
}
