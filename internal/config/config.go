package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"creditledger/internal/model"
	"creditledger/internal/policy"

	"github.com/joho/godotenv"
)

const (
	BusNATS = "nats"
	BusNone = "none"

	defaultWelcomeGrant      = "10"
	defaultReconcileSchedule = "@every 15m"
)

type Config struct {
	DBUser    string
	DBPass    string
	DBHost    string
	DBPort    string
	DBName    string
	SSLMode   string
	RedisHost string
	RedisPort string
	NatsHost  string
	NatsPort  string

	BusProvider string

	ApiEnabled     bool
	ApiPort        string
	RateLimitRPS   float64
	RateLimitBurst int

	GRPCEnabled bool
	GRPCPort    string

	BalanceCacheTTL   time.Duration
	Costs             *policy.Table
	WelcomeGrant      model.Credits
	ReconcileSchedule string

	LogLevel  slog.Level
	LogFormat string
}

// New loads and validates configuration from environment variables.
// Redis is optional: without LEDGER_REDIS_HOST the balance cache is disabled.
// The HTTP and gRPC servers only start when explicitly enabled.
func New() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, which returns "" for unset keys.
func FromEnv(getenv func(string) string) (*Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		DBUser:            getenv("LEDGER_POSTGRES_USER"),
		DBPass:            getenv("LEDGER_POSTGRES_PASSWORD"),
		DBHost:            getenv("LEDGER_POSTGRES_HOST"),
		DBPort:            env("LEDGER_POSTGRES_PORT", "5432"),
		DBName:            getenv("LEDGER_POSTGRES_DB"),
		SSLMode:           env("LEDGER_POSTGRES_SSLMODE", "disable"),
		RedisHost:         getenv("LEDGER_REDIS_HOST"),
		RedisPort:         env("LEDGER_REDIS_PORT", "6379"),
		NatsHost:          getenv("LEDGER_NATS_HOST"),
		NatsPort:          env("LEDGER_NATS_PORT", "4222"),
		BusProvider:       env("LEDGER_BUS_PROVIDER", BusNone),
		ApiEnabled:        getenv("LEDGER_API_ENABLED") == "true",
		ApiPort:           getenv("LEDGER_API_PORT"),
		GRPCEnabled:       getenv("LEDGER_GRPC_ENABLED") == "true",
		GRPCPort:          env("LEDGER_GRPC_PORT", "50051"),
		ReconcileSchedule: env("LEDGER_RECONCILE_SCHEDULE", defaultReconcileSchedule),
		LogFormat:         env("LEDGER_LOG_FORMAT", "json"),
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" {
		return nil, fmt.Errorf("missing required env for database: LEDGER_POSTGRES_USER/HOST/DB")
	}

	if cfg.BusProvider != BusNATS && cfg.BusProvider != BusNone {
		return nil, fmt.Errorf("invalid bus provider %q, must be 'nats' or 'none'", cfg.BusProvider)
	}
	if cfg.BusProvider == BusNATS && cfg.NatsHost == "" {
		return nil, fmt.Errorf("missing required env for nats bus: LEDGER_NATS_HOST")
	}

	if cfg.ApiEnabled && cfg.ApiPort == "" {
		return nil, fmt.Errorf("LEDGER_API_PORT is required when LEDGER_API_ENABLED=true")
	}

	var err error
	if cfg.RateLimitRPS, err = strconv.ParseFloat(env("LEDGER_RATE_LIMIT_RPS", "20"), 64); err != nil || cfg.RateLimitRPS < 0 {
		return nil, fmt.Errorf("invalid LEDGER_RATE_LIMIT_RPS %q", getenv("LEDGER_RATE_LIMIT_RPS"))
	}
	if cfg.RateLimitBurst, err = strconv.Atoi(env("LEDGER_RATE_LIMIT_BURST", "40")); err != nil || cfg.RateLimitBurst < 1 {
		return nil, fmt.Errorf("invalid LEDGER_RATE_LIMIT_BURST %q", getenv("LEDGER_RATE_LIMIT_BURST"))
	}
	if cfg.BalanceCacheTTL, err = time.ParseDuration(env("LEDGER_BALANCE_CACHE_TTL", "10m")); err != nil || cfg.BalanceCacheTTL < 0 {
		return nil, fmt.Errorf("invalid LEDGER_BALANCE_CACHE_TTL %q", getenv("LEDGER_BALANCE_CACHE_TTL"))
	}

	if raw := getenv("LEDGER_OPERATION_COSTS"); raw != "" {
		cfg.Costs, err = policy.Parse(raw)
	} else {
		cfg.Costs, err = policy.New(policy.DefaultCosts())
	}
	if err != nil {
		return nil, fmt.Errorf("LEDGER_OPERATION_COSTS: %w", err)
	}

	if cfg.WelcomeGrant, err = model.ParseCredits(env("LEDGER_WELCOME_GRANT", defaultWelcomeGrant)); err != nil {
		return nil, fmt.Errorf("LEDGER_WELCOME_GRANT: %w", err)
	}
	if cfg.WelcomeGrant < 0 {
		return nil, fmt.Errorf("LEDGER_WELCOME_GRANT must not be negative")
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(env("LEDGER_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LEDGER_LOG_LEVEL: %w", err)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("invalid LEDGER_LOG_FORMAT %q, must be 'json' or 'text'", cfg.LogFormat)
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

// RedisAddr returns the cache address, or "" when the cache is disabled.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address, or "" when the API is disabled.
func (c *Config) ApiAddr() string {
	if !c.ApiEnabled {
		return ""
	}
	return ":" + c.ApiPort
}

// GRPCAddr returns the gRPC listen address, or "" when the gRPC server is disabled.
func (c *Config) GRPCAddr() string {
	if !c.GRPCEnabled {
		return ""
	}
	return ":" + c.GRPCPort
}

// ReconcileEnabled reports whether the reconciler should be scheduled.
func (c *Config) ReconcileEnabled() bool {
	return c.ReconcileSchedule != "off"
}
