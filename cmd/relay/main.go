// Command relay runs one arena peer: the relay bus, the game node on top of
// it and the local HTTP API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"arena-relay/internal/api"
	"arena-relay/internal/config"
	"arena-relay/internal/node"
	"arena-relay/internal/relay"
)

func main() {
	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	// Load .env from the parent directory, then the current one
	if err := godotenv.Load("../.env"); err != nil {
		if err := godotenv.Load(".env"); err != nil {
			logger.Debug("No .env file found, using environment variables only")
		}
	}

	cfg := config.Load()

	// Flags override the environment
	listen := flag.String("listen", cfg.Relay.ListenAddr, "Address to accept peers on, e.g. :7000 or unix:/tmp/arena.sock")
	connect := flag.String("connect", cfg.Relay.ConnectAddr, "Designated peer to dial on startup")
	authoritative := flag.Bool("authoritative", cfg.Game.Authoritative, "Answer OutOfSync with snapshots")
	apiAddr := flag.String("api", cfg.API.Addr, "HTTP API address")
	flag.Parse()

	cfg.Relay.ListenAddr = *listen
	cfg.Relay.ConnectAddr = *connect
	cfg.Game.Authoritative = *authoritative
	cfg.API.Addr = *apiAddr

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	logger = logger.With(zap.String("client", cfg.ClientID))

	logger.Info("Arena relay starting",
		zap.String("listen", cfg.Relay.ListenAddr),
		zap.String("connect", cfg.Relay.ConnectAddr),
		zap.Bool("authoritative", cfg.Game.Authoritative),
		zap.Int("tick_rate", cfg.Game.TickRate))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := relay.NewBus(cfg.Relay, logger)
	if err != nil {
		logger.Fatal("Failed to create relay bus", zap.Error(err))
	}

	n, err := node.New(node.Config{
		ClientID: cfg.ClientID,
		Game:     cfg.Game,
		Spawn:    cfg.Spawn,
	}, bus, logger)
	if err != nil {
		logger.Fatal("Failed to create node", zap.Error(err))
	}

	wg := sync.WaitGroup{}
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && ctx.Err() == nil {
				logger.Error("Component failed", zap.String("component", name), zap.Error(err))
				stop()
			}
		}()
	}

	run("bus", func() error { return bus.Run(ctx) })
	run("node", func() error { return n.Run(ctx) })

	if cfg.Relay.ListenAddr != "" {
		ln, err := relay.Listen(cfg.Relay.ListenAddr)
		if err != nil {
			logger.Fatal("Failed to listen", zap.Error(err))
		}
		run("listener", func() error { return relay.Serve(ctx, bus, ln, logger) })
	}

	if cfg.Relay.ConnectAddr != "" {
		run("dialer", func() error {
			return relay.Dial(ctx, bus, cfg.Relay.ConnectAddr, cfg.Relay.DialAttempts, cfg.Relay.DialDelay, logger)
		})
	}

	if cfg.API.Enabled {
		server := api.NewServer(cfg.API, n, bus, logger)
		run("api", func() error { return server.Start(ctx) })
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	wg.Wait()
	logger.Info("Arena relay stopped")
}
