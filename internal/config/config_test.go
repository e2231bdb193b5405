package config

import (
	"log/slog"
	"testing"
	"time"

	"creditledger/internal/model"
	"creditledger/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func baseEnv() map[string]string {
	return map[string]string{
		"LEDGER_POSTGRES_USER": "ledger",
		"LEDGER_POSTGRES_HOST": "db",
		"LEDGER_POSTGRES_DB":   "credits",
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv(envOf(baseEnv()))
	require.NoError(t, err)

	assert.Equal(t, "postgres://ledger:@db:5432/credits?sslmode=disable", cfg.DSN())
	assert.Equal(t, BusNone, cfg.BusProvider)
	assert.Empty(t, cfg.RedisAddr())
	assert.Empty(t, cfg.ApiAddr())
	assert.Empty(t, cfg.GRPCAddr())
	assert.Equal(t, model.MustParseCredits("10"), cfg.WelcomeGrant)
	assert.Equal(t, 10*time.Minute, cfg.BalanceCacheTTL)
	assert.Equal(t, "@every 15m", cfg.ReconcileSchedule)
	assert.True(t, cfg.ReconcileEnabled())
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)

	cost, err := cfg.Costs.CostOf(policy.CaptionGeneration)
	require.NoError(t, err)
	assert.Equal(t, model.MustParseCredits("0.3"), cost)
}

func TestOverrides(t *testing.T) {
	env := baseEnv()
	env["LEDGER_REDIS_HOST"] = "cache"
	env["LEDGER_BUS_PROVIDER"] = "nats"
	env["LEDGER_NATS_HOST"] = "bus"
	env["LEDGER_API_ENABLED"] = "true"
	env["LEDGER_API_PORT"] = "8080"
	env["LEDGER_GRPC_ENABLED"] = "true"
	env["LEDGER_OPERATION_COSTS"] = "image_generation=2, upscale=0.75"
	env["LEDGER_WELCOME_GRANT"] = "5.5"
	env["LEDGER_RECONCILE_SCHEDULE"] = "off"
	env["LEDGER_LOG_LEVEL"] = "debug"
	env["LEDGER_LOG_FORMAT"] = "text"

	cfg, err := FromEnv(envOf(env))
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", cfg.RedisAddr())
	assert.Equal(t, "nats://bus:4222", cfg.NatsAddr())
	assert.Equal(t, ":8080", cfg.ApiAddr())
	assert.Equal(t, ":50051", cfg.GRPCAddr())
	assert.Equal(t, []string{"image_generation", "upscale"}, cfg.Costs.Kinds())
	assert.Equal(t, model.MustParseCredits("5.5"), cfg.WelcomeGrant)
	assert.False(t, cfg.ReconcileEnabled())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"missing database", "LEDGER_POSTGRES_HOST", ""},
		{"unknown bus", "LEDGER_BUS_PROVIDER", "grpc"},
		{"nats without host", "LEDGER_BUS_PROVIDER", "nats"},
		{"api without port", "LEDGER_API_ENABLED", "true"},
		{"bad costs", "LEDGER_OPERATION_COSTS", "image_generation=free"},
		{"negative cost", "LEDGER_OPERATION_COSTS", "image_generation=-1"},
		{"bad grant", "LEDGER_WELCOME_GRANT", "10.001"},
		{"bad ttl", "LEDGER_BALANCE_CACHE_TTL", "forever"},
		{"bad burst", "LEDGER_RATE_LIMIT_BURST", "0"},
		{"bad level", "LEDGER_LOG_LEVEL", "loud"},
		{"bad format", "LEDGER_LOG_FORMAT", "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := baseEnv()
			env[tt.key] = tt.val
			_, err := FromEnv(envOf(env))
			assert.Error(t, err)
		})
	}
}
