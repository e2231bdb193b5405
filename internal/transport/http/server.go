package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"creditledger/internal/metrics"
	"creditledger/internal/service"
)

type Server struct {
	srv     *http.Server
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewRouter builds the API mux. Every route is instrumented; when limiter is set,
// every route except /health and /metrics is rate limited.
func NewRouter(svc service.LedgerService, m *metrics.Metrics, limiter *RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	h := NewHandler(svc, logger)
	for pattern, fn := range h.Routes() {
		var next http.Handler = fn
		if limiter != nil && pattern != "GET /health" {
			next = limiter.Handler(next)
		}
		mux.Handle(pattern, m.Middleware(pattern, next))
	}
	mux.Handle("GET /metrics", m.Handler())
	return mux
}

func NewServer(addr string, svc service.LedgerService, m *metrics.Metrics, limiter *RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(svc, m, limiter, logger),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		limiter: limiter,
		logger:  logger,
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s.limiter != nil {
		go s.limiter.RunCleanup(ctx, time.Minute)
	}
	s.logger.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
