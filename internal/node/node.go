// Package node hosts the per-peer game state on a fixed tick.
//
// Each tick the node drains whatever the bus has delivered without waiting,
// applies it to the reconciler and the spawn arbiter, sweeps removed
// entities and hands any resulting envelopes back to the bus. The
// reconciler and arbiter are touched only from the tick; readers get a
// copy published at the end of every tick.
package node

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"arena-relay/internal/config"
	"arena-relay/internal/reconcile"
	"arena-relay/internal/spawn"
	"arena-relay/internal/wire"
)

// ErrBusy is returned by Submit when the action queue is full
var ErrBusy = errors.New("node: action queue full")

var tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "node_tick_duration_seconds",
	Help:    "Time spent in one node tick",
	Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025},
})

// Bus is the part of the relay the node talks to
type Bus interface {
	Messages() <-chan wire.Envelope
	Outbox() chan<- wire.Envelope
}

// Config holds everything a node needs
type Config struct {
	ClientID string
	Game     config.GameConfig
	Spawn    config.SpawnConfig
}

// Stats is a point-in-time view of node counters
type Stats struct {
	Ticks            uint64 `json:"ticks"`
	LocalPlayer      string `json:"localPlayer,omitempty"`
	Players          int    `json:"players"`
	Bullets          int    `json:"bullets"`
	SnapshotsApplied uint64 `json:"snapshotsApplied"`
	LastSnapshot     uint64 `json:"lastSnapshot,omitempty"` // timestamp of the last applied snapshot
	SnapshotsStale   uint64 `json:"snapshotsStale"`
	SnapshotsSent    uint64 `json:"snapshotsSent"`
	OutOfSyncSent    uint64 `json:"outOfSyncSent"`
	Collisions       uint64 `json:"collisions"`
}

type status struct {
	view  reconcile.View
	stats Stats
}

// Node owns one peer's world
type Node struct {
	cfg Config
	bus Bus
	log *zap.Logger

	world   *reconcile.Reconciler
	arbiter *spawn.Arbiter

	actions chan wire.Action
	status  atomic.Pointer[status]

	// Owned by the tick
	inbox        []wire.Envelope
	stats        Stats
	lastSnapshot time.Time
	lastStamp    uint64
	now          func() time.Time
}

// New creates a node bound to bus
func New(cfg Config, bus Bus, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	world, err := reconcile.New(cfg.Game)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		bus:     bus,
		log:     logger.With(zap.String("component", "node"), zap.String("client", cfg.ClientID)),
		world:   world,
		arbiter: spawn.NewArbiter(cfg.ClientID, cfg.Spawn.Slots),
		actions: make(chan wire.Action, 64),
		now:     time.Now,
	}
	n.publish()
	return n, nil
}

// Run ticks at the configured rate until ctx is cancelled
func (n *Node) Run(ctx context.Context) error {
	rate := n.cfg.Game.TickRate
	if rate <= 0 {
		rate = config.DefaultGame().TickRate
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	n.log.Info("Node started",
		zap.Int("tick_rate", rate),
		zap.Bool("authoritative", n.cfg.Game.Authoritative))

	for {
		select {
		case <-ctx.Done():
			n.log.Info("Node stopped")
			return nil
		case <-ticker.C:
			n.tick(ctx)
		}
	}
}

// Submit queues a local action. It is sent as an Input on the next tick and
// applied when it comes back from the bus, like any peer's input.
func (n *Node) Submit(action wire.Action) error {
	if action == nil {
		return errors.New("node: nil action")
	}
	select {
	case n.actions <- action:
		return nil
	default:
		return ErrBusy
	}
}

// View returns the world as of the last tick
func (n *Node) View() reconcile.View {
	return n.status.Load().view
}

// Stats returns counters as of the last tick
func (n *Node) Stats() Stats {
	return n.status.Load().stats
}

// ClientID returns the identity of this node's local player owner
func (n *Node) ClientID() string {
	return n.cfg.ClientID
}

func (n *Node) tick(ctx context.Context) {
	start := time.Now()

	envs := n.drain()
	out := n.Step(envs)
	n.flush(ctx, out)

	tickDuration.Observe(time.Since(start).Seconds())
}

// drain collects what is already waiting, without blocking
func (n *Node) drain() []wire.Envelope {
	envs := n.inbox
	n.inbox = nil

	msgs := n.bus.Messages()
	for i := len(msgs); i > 0; i-- {
		select {
		case env := <-msgs:
			envs = append(envs, env)
		default:
			return envs
		}
	}
	return envs
}

// flush hands out to the bus. While the bus is busy it may be blocked
// delivering to us, so incoming messages are kept for the next tick.
func (n *Node) flush(ctx context.Context, out []wire.Envelope) {
	for _, env := range out {
		for sent := false; !sent; {
			select {
			case n.bus.Outbox() <- env:
				sent = true
			case m := <-n.bus.Messages():
				n.inbox = append(n.inbox, m)
			case <-ctx.Done():
				return
			}
		}
	}
}

func (n *Node) publish() {
	v := n.world.View()
	st := n.stats
	st.Players = len(v.Players)
	st.Bullets = len(v.Bullets)
	st.LocalPlayer, _ = n.arbiter.Local()
	if ts, ok := n.world.LastTimestamp(); ok {
		st.LastSnapshot = ts
	}
	n.status.Store(&status{view: v, stats: st})
}
