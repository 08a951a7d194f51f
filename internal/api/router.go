package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"arena-relay/internal/node"
	"arena-relay/internal/reconcile"
	"arena-relay/internal/relay"
	"arena-relay/internal/wire"
)

// NodeInterface defines the node methods used by the API.
// This interface enables mocking for tests without running a tick loop.
type NodeInterface interface {
	// View returns the world as of the last tick
	View() reconcile.View
	// Stats returns node counters as of the last tick
	Stats() node.Stats
	// Submit queues a local action for the next tick
	Submit(action wire.Action) error
	// ClientID identifies the local player owner
	ClientID() string
}

// BusInterface defines the relay methods used by the API
type BusInterface interface {
	Stats() relay.Stats
}

// RouterConfig contains all dependencies needed to construct the HTTP router.
//
// Example usage in tests:
//
//	cfg := api.RouterConfig{
//	    Node: fakeNode,
//	    Bus:  fakeBus,
//	    RateLimitConfig: &api.RateLimitConfig{
//	        RequestsPerSecond: 1000,
//	        Burst:             1000,
//	    },
//	}
//	ts := httptest.NewServer(api.NewRouter(cfg))
type RouterConfig struct {
	// Node is the local game node (required)
	Node NodeInterface

	// Bus is the relay bus (required)
	Bus BusInterface

	// Hub serves /ws when set
	Hub *SpectatorHub

	// RateLimiter is an optional pre-configured rate limiter.
	// If nil, a new one will be created using RateLimitConfig.
	RateLimiter *RateLimiter

	// RateLimitConfig is only used if RateLimiter is nil
	RateLimitConfig *RateLimitConfig

	// CORSOrigins is an optional list of allowed CORS origins.
	// If nil, localhost origins are allowed.
	CORSOrigins []string

	// Token guards intent submission and profiling when non-empty
	Token string

	// TrustProxy takes the client address from forwarding headers
	TrustProxy bool

	// DisableLogging disables the request logger middleware
	DisableLogging bool

	Logger *zap.Logger
}

type routerHandlers struct {
	node NodeInterface
	bus  BusInterface
	hub  *SpectatorHub
	rl   *RateLimiter
	log  *zap.Logger
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// It has no side effects: no goroutines are started and no listeners are
// opened, so it is safe to use with httptest.NewServer.
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Middleware - Order matters!
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	if !cfg.DisableLogging {
		r.Use(requestLogger(logger))
	}
	r.Use(middleware.Recoverer)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = defaultOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewRateLimiter(rateLimitCfg)
	}

	h := &routerHandlers{
		node: cfg.Node,
		bus:  cfg.Bus,
		hub:  cfg.Hub,
		rl:   rateLimiter,
		log:  logger,
	}

	r.Group(func(r chi.Router) {
		r.Use(rateLimiter.Requests)

		r.Get("/health", h.handleHealth)
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/api/state", h.handleGetState)
		r.Get("/api/stats", h.handleGetStats)

		r.Group(func(r chi.Router) {
			r.Use(RequireToken(cfg.Token))
			r.Mount("/debug", middleware.Profiler())
		})

		if cfg.Hub != nil {
			r.Get("/ws", cfg.Hub.HandleWebSocket)
		}
	})

	// Intents have their own budget, sized to the tick rate
	r.With(rateLimiter.Intents, RequireToken(cfg.Token)).Post("/api/intent", h.handleIntent)

	return r
}

// requestLogger logs each request through zap and records the HTTP metrics.
// The endpoint label is the chi route pattern so it stays bounded.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			endpoint := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					endpoint = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			RecordRequest(r.Method, endpoint, status, elapsed)

			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", elapsed),
				zap.String("remote", remoteIP(r)))
		})
	}
}
