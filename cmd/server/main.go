/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loan engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build logger and metrics
  3. Open the store (SQLite, PostgreSQL or memory)
  4. Wire coordinator, reference rates, reminders, router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides LOAN_PORT)
  -driver  sqlite | postgres | memory (overrides LOAN_DB_DRIVER)
  -db      database path or DSN (overrides LOAN_DB_DSN)
  -env     env file to load (default: .env, missing file ignored)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running reminder job)
  2. Stop accepting new connections
  3. Wait for active requests to complete (LOAN_SHUTDOWN_TIMEOUT)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/loans.db"
  ./server -driver=memory
  LOAN_DB_DRIVER=postgres LOAN_DB_DSN="postgres://..." ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/loan-engine/api"
	"github.com/warp/loan-engine/config"
	"github.com/warp/loan-engine/engine"
	memstore "github.com/warp/loan-engine/engine/store"
	"github.com/warp/loan-engine/metrics"
	"github.com/warp/loan-engine/notify"
	"github.com/warp/loan-engine/rates"
	"github.com/warp/loan-engine/store/sqlstore"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port")
	driver := flag.String("driver", "", "Database driver: sqlite, postgres or memory")
	dsn := flag.String("db", "", "Database path or DSN")
	envFile := flag.String("env", ".env", "Env file to load")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *driver != "" {
		cfg.DBDriver = *driver
	}
	if *dsn != "" {
		cfg.DBDSN = *dsn
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer closeStore()

	collector := metrics.New()

	coordinator := engine.NewCoordinator(store, logger.WithField("component", "engine"))
	coordinator.Calculator = engine.Calculator{SettleResidual: cfg.SettleResidual}
	coordinator.Observer = collector

	var provider rates.Provider
	if cfg.RatesURL != "" {
		provider = rates.NewKeyRateClient(
			cfg.RatesURL,
			decimal.NewFromFloat(cfg.RatesMargin),
			cfg.RatesTimeout,
			logger.WithField("component", "rates"),
		)
	}

	limiter := api.NewPaymentLimiter(cfg.PaymentRateLimit, cfg.PaymentBurst, logger.WithField("component", "ratelimit"))

	var sender notify.Sender
	if cfg.SMTP.Enabled() {
		sender = notify.NewEmailSender(cfg.SMTP, logger.WithField("component", "notify"))
	}
	scheduler := api.NewReminderScheduler(coordinator, sender, logger.WithField("component", "scheduler"))
	scheduler.Spec = cfg.ReminderCron
	scheduler.LeadDays = cfg.ReminderLeadDays
	scheduler.Metrics = collector
	scheduler.Limiter = limiter
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	handler := api.NewHandler(coordinator, provider, logger.WithField("component", "api"))
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins(),
		Metrics:        collector,
		PaymentLimiter: limiter,
		Scenarios:      cfg.DemoScenarios,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"port":   cfg.Port,
			"driver": cfg.DBDriver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(cfg *config.Config) (engine.TxStore, func(), error) {
	if cfg.DBDriver == "memory" {
		return memstore.NewTxMemory(), func() {}, nil
	}
	store, err := sqlstore.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}
