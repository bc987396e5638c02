package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/relaypoint/webhook-relay/internal/adapter"
	"github.com/relaypoint/webhook-relay/internal/config"
	"github.com/relaypoint/webhook-relay/internal/dispatcher"
	"github.com/relaypoint/webhook-relay/internal/logger"
	"github.com/relaypoint/webhook-relay/internal/retry"
	"github.com/relaypoint/webhook-relay/internal/store"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadWorkerConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags: map[string]string{
			"service": "dispatcher",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting Webhook Relay dispatcher")

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Configure connection pool
	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.Fatal("Failed to configure connection pool", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Connected to database",
		zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.Database.MaxIdleConns),
	)

	// Initialize dependencies
	dataStore := store.NewDBStore(db)
	httpClient := adapter.NewHTTPClient(cfg.Dispatcher.HTTPTimeout)
	clock := adapter.NewClock()
	policy := retry.NewPolicy(cfg.Dispatcher.MaxRetries)

	// Initialize dispatcher
	d := dispatcher.NewDispatcher(&dispatcher.Config{
		BatchSize:         cfg.Dispatcher.BatchSize,
		IdleInterval:      cfg.Dispatcher.IdleInterval,
		ProcessingTimeout: cfg.Dispatcher.ProcessingTimeout,
		PoolSize:          cfg.Dispatcher.PoolSize,
	}, dataStore, httpClient, clock, policy)

	// Start the dispatcher in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := d.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	// Wait for interrupt signal or error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.ErrorCtx(ctx, err)
	}

	// Cancel context to stop the dispatcher
	cancel()

	// Give the dispatcher time to shut down gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := d.Stop(shutdownCtx); err != nil {
		logger.ErrorCtx(shutdownCtx, err)
	}

	logger.InfoCtx(shutdownCtx, "Dispatcher stopped")
}
