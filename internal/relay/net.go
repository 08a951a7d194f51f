package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// unixPrefix selects a Unix domain socket instead of TCP, e.g. "unix:/tmp/arena.sock"
const unixPrefix = "unix:"

// splitAddr maps a configured address to a (network, address) pair
func splitAddr(addr string) (string, string) {
	if path, ok := strings.CutPrefix(addr, unixPrefix); ok {
		return "unix", path
	}
	return "tcp", addr
}

// Listen opens a listener for a configured relay address
func Listen(addr string) (net.Listener, error) {
	network, address := splitAddr(addr)
	if network == "unix" {
		return listenUnix(address)
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln and attaches each to bus until ctx is
// cancelled. It closes ln before returning.
func Serve(ctx context.Context, bus *Bus, ln net.Listener, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("component", "listener"), zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Info("Accepting peers")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil // Expected during shutdown
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Warn("Accept failed", zap.Error(err))
			continue
		}

		if err := bus.Attach(ctx, conn); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrBusClosed) {
				return nil
			}
			log.Warn("Attach failed", zap.Error(err))
		}
	}
}

// Dial connects to a designated peer, retrying up to attempts times with
// delay between tries, and attaches the connection to bus. There is no
// reconnect once attached; a new Dial makes a new connection.
func Dial(ctx context.Context, bus *Bus, addr string, attempts int, delay time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("component", "dialer"), zap.String("addr", addr))

	network, address := splitAddr(addr)
	var d net.Dialer
	var lastErr error

	for attempt := 1; attempt <= max(attempts, 1); attempt++ {
		conn, err := d.DialContext(ctx, network, address)
		if err == nil {
			log.Info("Connected to peer", zap.Int("attempt", attempt))
			return bus.Attach(ctx, conn)
		}
		lastErr = err
		log.Debug("Dial failed", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("dial %s after %d attempts: %w", addr, max(attempts, 1), lastErr)
}
