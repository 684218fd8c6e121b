/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ledger transaction engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment configuration, apply flag overrides
  2. Open the store (SQLite or PostgreSQL)
  3. Create event registry, ledger service, idempotency guard
  4. Optionally start the RabbitMQ relay
  5. Start HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -addr    Listen address (overrides LEDGER_ADDR)
  -driver  Store driver, sqlite or postgres (overrides LEDGER_DB_DRIVER)
  -dsn     SQLite path or PostgreSQL URL (overrides LEDGER_DB_DSN)
           Use ":memory:" with sqlite for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the store
  4. Exit

EXAMPLES:
  # Run with a file database
  ./server -dsn="./data/ledger.db"

  # Run against PostgreSQL
  ./server -driver=postgres -dsn="postgres://ledger@localhost/ledger"

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clubtab/ledger-engine/api"
	"github.com/clubtab/ledger-engine/config"
	"github.com/clubtab/ledger-engine/eventstream"
	"github.com/clubtab/ledger-engine/idempotency"
	"github.com/clubtab/ledger-engine/ledger"
	"github.com/clubtab/ledger-engine/relay"
	"github.com/clubtab/ledger-engine/store/postgres"
	"github.com/clubtab/ledger-engine/store/sqlite"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.Load()

	// Flags override the environment.
	addr := flag.String("addr", cfg.Addr, "listen address")
	driver := flag.String("driver", cfg.DBDriver, "store driver (sqlite or postgres)")
	dsn := flag.String("dsn", cfg.DBDSN, "SQLite path or PostgreSQL URL")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	var (
		store   ledger.TxStore
		cleanup func()
	)
	switch *driver {
	case "sqlite":
		s, err := sqlite.New(*dsn)
		if err != nil {
			log.WithError(err).Fatal("failed to open sqlite store")
		}
		store, cleanup = s, func() { s.Close() }
	case "postgres":
		s, err := postgres.New(ctx, *dsn)
		if err != nil {
			log.WithError(err).Fatal("failed to open postgres store")
		}
		store, cleanup = s, s.Close
	default:
		log.WithField("driver", *driver).Fatal("unknown store driver")
	}
	defer cleanup()

	// Event bus, service, idempotency guard
	events := eventstream.NewRegistry(cfg.QueueSize)
	service := ledger.NewService(store, events)
	service.RevertThreshold = cfg.RevertThreshold
	service.TimejumpThreshold = cfg.TimejumpThreshold
	guard := idempotency.New(cfg.IdempotencyTTL)

	// Optional RabbitMQ relay
	if cfg.AMQPURL != "" {
		r := relay.New(cfg.AMQPURL, cfg.AMQPExchange, ledger.ChannelTransaction, events, log)
		go r.Run(ctx)
	}

	handler := api.NewHandler(service, events, log)
	router := api.NewRouter(handler, guard)

	// WriteTimeout stays zero: the SSE endpoint holds connections open.
	server := &http.Server{
		Addr:        *addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"addr": *addr, "driver": *driver}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}
	log.Info("server stopped")
}
