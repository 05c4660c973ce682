package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Billing BillingConfig
}

// BillingConfig groups the knobs of the metering and billing engine.
type BillingConfig struct {
	// GraceWindow is how far in the past an event's occurred_at may lie
	// before ingestion rejects it as stale.
	GraceWindow time.Duration
	// FutureWindow is how far ahead of the wall clock an event's
	// occurred_at may lie before ingestion rejects it.
	FutureWindow time.Duration

	// MinuteFlushDelay is how long a minute bucket stays open after its
	// boundary before the flush job drains it.
	MinuteFlushDelay time.Duration
	// HourRollupDelay and DayRollupDelay lag the coarser roll-ups behind
	// the wall clock so the finer level is complete first.
	HourRollupDelay time.Duration
	DayRollupDelay  time.Duration
	// MinuteRetention is how long minute aggregates are kept after the
	// covering hour is durable.
	MinuteRetention time.Duration

	// FinalizeLockTimeout bounds how long a finalize call may wait on the
	// per (account, period) lock before reporting contention.
	FinalizeLockTimeout time.Duration
	// MaxChargeAttempts is the retry ceiling for failed payments before an
	// invoice is flagged for manual billing-ops intervention.
	MaxChargeAttempts int
	// DueDays is added to the period end to compute the invoice due date.
	DueDays int
	// DefaultPlan is the code name of the plan assigned to fresh accounts.
	DefaultPlan string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "meterbill"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DB_TYPE", "postgres"),
		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBName:            getenv("DB_NAME", "meterbill"),
		DBUser:            getenv("DB_USER", "meterbill"),
		DBPassword:        getenv("DB_PASSWORD", ""),
		DBSSLMode:         getenv("DB_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DB_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DB_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DB_CONN_MAX_LIFETIME", 3600),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Billing: BillingConfig{
			GraceWindow:         getenvDuration("BILLING_GRACE_WINDOW", 2*time.Minute),
			FutureWindow:        getenvDuration("BILLING_FUTURE_WINDOW", 5*time.Minute),
			MinuteFlushDelay:    getenvDuration("BILLING_MINUTE_FLUSH_DELAY", 2*time.Minute),
			HourRollupDelay:     getenvDuration("BILLING_HOUR_ROLLUP_DELAY", 10*time.Minute),
			DayRollupDelay:      getenvDuration("BILLING_DAY_ROLLUP_DELAY", time.Hour),
			MinuteRetention:     getenvDuration("BILLING_MINUTE_RETENTION", 30*24*time.Hour),
			FinalizeLockTimeout: getenvDuration("BILLING_FINALIZE_LOCK_TIMEOUT", 5*time.Second),
			MaxChargeAttempts:   getenvInt("BILLING_MAX_CHARGE_ATTEMPTS", 3),
			DueDays:             getenvInt("BILLING_DUE_DAYS", 14),
			DefaultPlan:         getenv("BILLING_DEFAULT_PLAN", "builder"),
		},
	}
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

// Module wires configuration loading.
var Module = fx.Module("config",
	fx.Provide(Load),
)
