package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"arena-relay/internal/config"
)

// Server is the HTTP API with spectator WebSocket support.
type Server struct {
	cfg         config.APIConfig
	node        NodeInterface
	router      *chi.Mux
	hub         *SpectatorHub
	rateLimiter *RateLimiter
	log         *zap.Logger
}

// NewServer creates the API server.
//
// Background workers do NOT start until Start() is called, so tests can
// construct the server and use Router() without goroutines or listeners.
func NewServer(cfg config.APIConfig, node NodeInterface, bus BusInterface, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "api"))

	s := &Server{
		cfg:  cfg,
		node: node,
		hub:  NewSpectatorHub(cfg.CORSOrigins, logger),
		log:  logger,
	}

	rlCfg := DefaultRateLimitConfig
	if cfg.RequestsPerSecond > 0 {
		rlCfg.RequestsPerSecond = cfg.RequestsPerSecond
	}
	if cfg.Burst > 0 {
		rlCfg.Burst = cfg.Burst
	}
	if cfg.IntentsPerSecond > 0 {
		rlCfg.IntentsPerSecond = cfg.IntentsPerSecond
	}
	if cfg.IntentBurst > 0 {
		rlCfg.IntentBurst = cfg.IntentBurst
	}
	s.rateLimiter = NewRateLimiter(rlCfg)

	s.router = NewRouter(RouterConfig{
		Node:        node,
		Bus:         bus,
		Hub:         s.hub,
		RateLimiter: s.rateLimiter,
		CORSOrigins: cfg.CORSOrigins,
		Token:       cfg.Token,
		TrustProxy:  cfg.TrustProxy,
		Logger:      logger,
	})

	return s
}

// Start serves HTTP and runs the spectator hub until ctx is cancelled, then
// shuts down gracefully. It is the only method that starts goroutines or
// opens listeners.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	s.hub.StartBroadcastLoop(ctx, s.node)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API server starting", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("API shutdown incomplete", zap.Error(err))
		return err
	}
	s.log.Info("API server stopped")
	return nil
}

// Router returns the HTTP handler for use with httptest
func (s *Server) Router() http.Handler {
	return s.router
}
