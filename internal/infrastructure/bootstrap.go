package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"creditledger/internal/config"
	"creditledger/internal/ledger"
	"creditledger/internal/metrics"
	"creditledger/internal/repository"
	"creditledger/internal/service"
	transportGRPC "creditledger/internal/transport/grpc"
	transportHTTP "creditledger/internal/transport/http"
	transportNATS "creditledger/internal/transport/nats"
	"creditledger/internal/worker"

	"github.com/nats-io/nats.go"
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}
	logger := NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	db, err := connectPostgres(ctx, cfg.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, db.Close)

	m := metrics.New()
	store := repository.NewPostgresStore(db)
	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithMetrics(m),
		ledger.WithWelcomeGrant(cfg.WelcomeGrant),
	}

	// ── Infrastructure wiring ──────────────────────────────────────────────────

	// 1. Balance cache (optional)
	if addr := cfg.RedisAddr(); addr != "" {
		rdb, err := connectRedis(ctx, addr)
		if err != nil {
			return nil, runCleanup(cleanupFns), fmt.Errorf("redis: %w", err)
		}
		cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
		opts = append(opts, ledger.WithCache(repository.NewRedisBalanceCache(rdb, cfg.BalanceCacheTTL)))
		logger.Info("balance cache enabled", "addr", addr, "ttl", cfg.BalanceCacheTTL)
	}

	// 2. Bus setup
	var bus repository.MessageBus = repository.NoopBus{}
	var servers []Server
	var nc *nats.Conn

	if cfg.BusProvider == config.BusNATS {
		nc, err = connectNats(cfg.NatsAddr(), logger)
		if err != nil {
			return nil, runCleanup(cleanupFns), fmt.Errorf("nats: %w", err)
		}
		cleanupFns = append(cleanupFns, nc.Close)
		bus = transportNATS.NewBus(nc)
		opts = append(opts, ledger.WithPublisher(bus))
	}

	// 3. Ledger core
	authority := ledger.NewAuthority(store, opts...)
	compensator := ledger.NewCompensator(authority, bus, m, logger)
	charger := ledger.NewCharger(authority, compensator, cfg.Costs, logger)
	svc := service.New(authority, compensator, charger, cfg.Costs, logger)

	// 4. Transports
	if nc != nil {
		// NATS can also handle commands
		servers = append(servers, transportNATS.NewHandler(svc, nc, logger))
	}
	if addr := cfg.ApiAddr(); addr != "" {
		var limiter *transportHTTP.RateLimiter
		if cfg.RateLimitRPS > 0 {
			limiter = transportHTTP.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, m)
		}
		servers = append(servers, transportHTTP.NewServer(addr, svc, m, limiter, logger))
	}
	if addr := cfg.GRPCAddr(); addr != "" {
		servers = append(servers, transportGRPC.NewServer(addr, svc, logger))
	}

	// 5. Workers
	if cfg.ReconcileEnabled() {
		rec, err := worker.NewReconciler(store, bus, m, cfg.ReconcileSchedule, logger)
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		servers = append(servers, rec)
	}

	if len(servers) == 0 {
		return nil, runCleanup(cleanupFns), fmt.Errorf("nothing to run: enable the HTTP API, gRPC, the NATS bus or the reconciler")
	}

	return NewApp(servers, logger), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
