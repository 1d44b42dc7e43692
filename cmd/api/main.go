package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cimillas/chain-trade/internal/app"
	"github.com/cimillas/chain-trade/internal/clock"
	"github.com/cimillas/chain-trade/internal/config"
	"github.com/cimillas/chain-trade/internal/ledger/ethereum"
	"github.com/cimillas/chain-trade/internal/logging"
	"github.com/cimillas/chain-trade/internal/metrics"
	"github.com/cimillas/chain-trade/internal/storage/postgres"
	"github.com/cimillas/chain-trade/internal/storage/sqlite"
	"github.com/cimillas/chain-trade/internal/telemetry"
	transporthttp "github.com/cimillas/chain-trade/internal/transport/http"
	"github.com/cimillas/chain-trade/migrations"
)

const (
	serviceName     = "chain-trade"
	startupTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

// recordStore is what both storage backends provide.
type recordStore interface {
	app.RecordRepository
	app.RecordReader
	transporthttp.Pinger
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	envPath, envErr := config.LoadDotEnv()
	logger := logging.Setup()
	switch {
	case envErr != nil:
		logger.Warn("failed to load .env", "error", envErr)
	case envPath == "":
		logger.Debug(".env not found in current or parent directories")
	default:
		logger.Info("loaded env file", "path", envPath)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Info("starting", "env", logging.EnvironmentName(), "config", cfg)

	startupCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(startupCtx, cfg.OTelEndpoint, serviceName)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	store, closeStore, err := openStore(startupCtx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	gateway, err := ethereum.Dial(startupCtx, cfg.LedgerRPCURL, cfg.SigningKey,
		ethereum.WithPollInterval(cfg.ReceiptPollInterval),
		ethereum.WithCallTimeout(cfg.LedgerCallTimeout),
	)
	cfg.SigningKey = ""
	if err != nil {
		return err
	}
	defer gateway.Close()
	logger.Info("ledger connected", "signer", gateway.Address())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer, err := metrics.NewExecutions(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	clk := clock.NewSystem()
	executor := app.NewExecutor(gateway, store, clk,
		app.WithSettlementAddress(cfg.SettlementAddress),
		app.WithGasUnits(cfg.TransferGasLimit),
		app.WithReceiptTimeout(cfg.ReceiptTimeout),
		app.WithRetry(cfg.LedgerRetryAttempts, 0),
		app.WithLogger(logger),
		app.WithObserver(observer),
	)
	records := app.NewRecordService(store)

	mux := http.NewServeMux()
	mux.Handle("/health", transporthttp.HandleHealth(store))
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.Handle("/trade", transporthttp.HandleTrade(executor))
	mux.Handle("/transfers", transporthttp.HandleTransfer(executor))
	mux.Handle("/records", transporthttp.HandleListRecords(records))
	mux.Handle("/records/", transporthttp.HandleGetRecord(records))
	mux.Handle("/", transporthttp.NotFoundHandler())

	handler := transporthttp.RequestLogger(transporthttp.CORS(cfg.CORSOrigins, mux), logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "addr", server.Addr)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	case <-stopCtx.Done():
		logger.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (recordStore, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to db: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("db ping: %w", err)
		}
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		return postgres.NewRecordRepository(pool), pool.Close, nil
	}
}
