package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/celerfi/coin-price-indexer/config"
	"github.com/celerfi/coin-price-indexer/handlers"
	"github.com/celerfi/coin-price-indexer/logger"
	"github.com/celerfi/coin-price-indexer/scheduler"
	"github.com/celerfi/coin-price-indexer/utils"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(config.EnvFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("coin price indexer stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting coin price indexer",
		zap.String("environment", cfg.DeploymentEnvironment),
		zap.String("schedule", cfg.Ingest.Schedule),
		zap.String("http_addr", cfg.Dashboard.HTTPAddr),
	)

	store, closeStore, err := utils.OpenPriceStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open price store: %w", err)
	}
	defer closeStore()

	schedule, err := scheduler.ParseSchedule(cfg.Ingest.Schedule)
	if err != nil {
		return fmt.Errorf("ingest schedule: %w", err)
	}

	ingestor := &handlers.Ingestor{
		Source:       utils.NewCoinGeckoClient(cfg.CoinGecko, log.Named("coingecko")),
		Store:        store,
		Logger:       log.Named("ingest"),
		CycleTimeout: cfg.Ingest.CycleTimeout,
	}
	task := &scheduler.Task{
		Name:       "coingecko-ingest",
		Schedule:   schedule,
		Logger:     log,
		RunOnStart: cfg.Ingest.RunOnStart,
		Job:        ingestor.Job,
	}

	srv := &handlers.Server{
		Dashboard: &handlers.Dashboard{
			Store:         store,
			Logger:        log.Named("dashboard"),
			DefaultLimit:  cfg.Dashboard.DefaultLimit,
			HistoryWindow: cfg.Dashboard.HistoryWindow,
			HistoryPoints: cfg.Dashboard.HistoryPoints,
		},
		Store:     store,
		Ingestion: ingestor,
		Logger:    log.Named("http"),
		Refresh:   cfg.Dashboard.Refresh,
	}
	httpServer := &http.Server{
		Addr:              cfg.Dashboard.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return task.Run(gctx)
	})
	g.Go(func() error {
		log.Info("dashboard listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}
