package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config carries the runtime settings for the API server and the
// aggregation scheduler. Values come from the environment with sensible
// defaults so the server runs out of the box.
type Config struct {
	Port             string
	DBPath           string
	JWTSecret        string
	BatchInterval    time.Duration   // window size for queued-mode bucketing
	SchedulerTick    time.Duration   // how often the control loop runs
	WorkerPool       int             // max concurrent broker submissions
	MinOrderQuantity decimal.Decimal // broker minimum consolidated order size
	LockLease        time.Duration   // expiry on aggregation key leases
}

func Load() Config {
	return Config{
		Port:             getEnv("PORT", "8080"),
		DBPath:           getEnv("DB_PATH", "omnibus.db"),
		JWTSecret:        getEnv("JWT_SECRET", "omnibus-secret-key"),
		BatchInterval:    getDuration("BATCH_INTERVAL", 5*time.Minute),
		SchedulerTick:    getDuration("SCHEDULER_TICK", time.Minute),
		WorkerPool:       getInt("WORKER_POOL", 4),
		MinOrderQuantity: getDecimal("MIN_ORDER_QUANTITY", decimal.NewFromInt(1)),
		LockLease:        getDuration("LOCK_LEASE", 2*time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}
