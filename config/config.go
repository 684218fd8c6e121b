/*
Package config loads server configuration from the environment.

PURPOSE:
  Twelve-factor configuration with sane defaults. Command-line flags in
  cmd/server override whatever the environment provides.

VARIABLES:
  LEDGER_ADDR                 listen address         (default :8080)
  LEDGER_DB_DRIVER            sqlite | postgres      (default sqlite)
  LEDGER_DB_DSN               path or connection URL (default ledger.db)
  LEDGER_REVERT_THRESHOLD     self-revert window     (default 12h)
  LEDGER_TIMEJUMP_THRESHOLD   history gap marker     (default 6h)
  LEDGER_IDEMPOTENCY_TIMEOUT  replay cache TTL       (default 10m)
  LEDGER_QUEUE_SIZE           per-listener bus queue (default 64)
  LEDGER_AMQP_URL             RabbitMQ URL, empty disables the relay
  LEDGER_AMQP_EXCHANGE        fanout exchange name   (default ledger.events)
*/
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the server's runtime settings.
type Config struct {
	Addr              string
	DBDriver          string
	DBDSN             string
	RevertThreshold   time.Duration
	TimejumpThreshold time.Duration
	IdempotencyTTL    time.Duration
	QueueSize         int
	AMQPURL           string
	AMQPExchange      string
}

// Load reads configuration from the environment, applying defaults.
func Load() Config {
	return Config{
		Addr:              getEnv("LEDGER_ADDR", ":8080"),
		DBDriver:          getEnv("LEDGER_DB_DRIVER", "sqlite"),
		DBDSN:             getEnv("LEDGER_DB_DSN", "ledger.db"),
		RevertThreshold:   getEnvDuration("LEDGER_REVERT_THRESHOLD", 12*time.Hour),
		TimejumpThreshold: getEnvDuration("LEDGER_TIMEJUMP_THRESHOLD", 6*time.Hour),
		IdempotencyTTL:    getEnvDuration("LEDGER_IDEMPOTENCY_TIMEOUT", 10*time.Minute),
		QueueSize:         getEnvInt("LEDGER_QUEUE_SIZE", 64),
		AMQPURL:           getEnv("LEDGER_AMQP_URL", ""),
		AMQPExchange:      getEnv("LEDGER_AMQP_EXCHANGE", "ledger.events"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
