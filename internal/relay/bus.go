// Package relay implements the message bus that links peers together.
//
// A single loop (Bus.Run) owns the peer registry and the dedup cache. Reader
// goroutines, one per connection, and the local application feed it through
// channels; nothing else touches a live socket or the cache.
//
// There is no heartbeat. A stalled peer is noticed only when a read on its
// connection fails.
package relay

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"arena-relay/internal/config"
	"arena-relay/internal/wire"
)

// ErrBusClosed is returned when handing work to a bus whose loop has exited
var ErrBusClosed = errors.New("relay: bus closed")

type eventKind uint8

const (
	eventConnect eventKind = iota
	eventDisconnect
	eventMessage
)

type event struct {
	kind   eventKind
	peer   uint64
	p      *peer // connect only
	reason string
	err    error
	env    wire.Envelope
}

// Stats is a point-in-time view of bus counters
type Stats struct {
	Peers       int    `json:"peers"`
	Novel       uint64 `json:"novel"`
	Duplicates  uint64 `json:"duplicates"`
	Dropped     uint64 `json:"dropped"` // unencodable, never relayed
	WriteErrors uint64 `json:"writeErrors"`
	Evictions   uint64 `json:"evictions"`
}

// Bus deduplicates envelopes by id and fans every novel one out to all
// registered peers and, exactly once, to the local application.
type Bus struct {
	log *zap.Logger

	events chan event
	outbox chan wire.Envelope
	local  chan wire.Envelope
	done   chan struct{}

	running  atomic.Bool
	nextPeer atomic.Uint64

	// Owned by Run
	peers []*peer
	dedup *DedupCache

	// Stats
	peerCount   atomic.Int64
	novel       atomic.Uint64
	duplicates  atomic.Uint64
	dropped     atomic.Uint64
	writeErrors atomic.Uint64
}

// NewBus creates a bus. It does nothing until Run is called.
func NewBus(cfg config.RelayConfig, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dedup, err := NewDedupCache(cfg.DedupCapacity)
	if err != nil {
		return nil, err
	}

	return &Bus{
		log:    logger.With(zap.String("component", "relay")),
		events: make(chan event, max(cfg.EventBuffer, 1)),
		outbox: make(chan wire.Envelope, max(cfg.EventBuffer, 1)),
		local:  make(chan wire.Envelope, max(cfg.LocalBuffer, 1)),
		done:   make(chan struct{}),
		dedup:  dedup,
	}, nil
}

// Run processes events until ctx is cancelled, then closes every
// registered connection. It may be called once.
func (b *Bus) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("relay: bus already running")
	}
	defer b.shutdown()

	b.log.Info("Bus started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-b.events:
			switch ev.kind {
			case eventConnect:
				b.connect(ctx, ev.p)
			case eventDisconnect:
				b.disconnect(ev)
			case eventMessage:
				b.relay(ctx, ev.env)
			}

		case env := <-b.outbox:
			b.relay(ctx, env)
		}
	}
}

// Attach registers conn as a peer and starts its reader.
// The bus owns conn from here on, including on error.
func (b *Bus) Attach(ctx context.Context, conn net.Conn) error {
	p := &peer{
		id:   b.nextPeer.Add(1),
		conn: conn,
		addr: conn.RemoteAddr().String(),
	}
	p.log = b.log.With(zap.Uint64("peer", p.id), zap.String("addr", p.addr))

	if b.closed() {
		conn.Close()
		return ErrBusClosed
	}

	// Connect is queued before the reader starts, so it is always handled
	// before any message from this peer.
	select {
	case b.events <- event{kind: eventConnect, peer: p.id, p: p}:
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	case <-b.done:
		conn.Close()
		return ErrBusClosed
	}

	// A buffered send can win the race against a closed done. Shutdown
	// closes done before draining, so if done is still open here the
	// event is either handled by Run or drained by shutdown.
	if b.closed() {
		conn.Close()
		return ErrBusClosed
	}

	go b.readLoop(p)
	return nil
}

func (b *Bus) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Publish wraps payload in a new envelope and queues it for relay.
// The local application receives it back on Messages like any other.
func (b *Bus) Publish(ctx context.Context, payload wire.Payload) (string, error) {
	env := wire.NewEnvelope(payload)
	return env.ID, b.Forward(ctx, env)
}

// Forward queues an already minted envelope for relay
func (b *Bus) Forward(ctx context.Context, env wire.Envelope) error {
	select {
	case b.outbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBusClosed
	}
}

// Outbox exposes the local submission queue for callers that must keep
// draining Messages while they wait to submit.
func (b *Bus) Outbox() chan<- wire.Envelope {
	return b.outbox
}

// Messages delivers every novel envelope once, in the order the bus saw them
func (b *Bus) Messages() <-chan wire.Envelope {
	return b.local
}

// Done is closed once Run has returned
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Stats returns current bus statistics
func (b *Bus) Stats() Stats {
	return Stats{
		Peers:       int(b.peerCount.Load()),
		Novel:       b.novel.Load(),
		Duplicates:  b.duplicates.Load(),
		Dropped:     b.dropped.Load(),
		WriteErrors: b.writeErrors.Load(),
		Evictions:   b.dedup.Evictions(),
	}
}

// send hands an event to the loop; false once the loop has exited
func (b *Bus) send(ev event) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.done:
		return false
	}
}

func (b *Bus) connect(ctx context.Context, p *peer) {
	b.peers = append(b.peers, p)
	b.setPeerCount()
	p.log.Info("Peer connected", zap.Int("peers", len(b.peers)))

	// Tell the new peer it is behind. The id is remembered so the notice
	// coming back around the mesh is dropped here.
	notice := wire.NewEnvelope(wire.OutOfSync{})
	b.dedup.Observe(notice.ID)

	frame, err := wire.AppendFrame(nil, notice)
	if err != nil {
		b.log.Error("Encode handshake failed", zap.Error(err))
		return
	}
	if err := p.write(frame); err != nil {
		b.writeFailed(p, err)
	}

	// The local application answers the notice like any other OutOfSync
	b.deliver(ctx, notice)
}

func (b *Bus) disconnect(ev event) {
	var gone *peer
	kept := make([]*peer, 0, len(b.peers))
	for _, p := range b.peers {
		if p.id == ev.peer {
			gone = p
			continue
		}
		kept = append(kept, p)
	}
	b.peers = kept

	if gone == nil {
		return
	}
	gone.conn.Close()
	b.setPeerCount()
	disconnectsTotal.WithLabelValues(ev.reason).Inc()

	if ev.reason == "eof" {
		gone.log.Info("Peer disconnected", zap.Int("peers", len(b.peers)))
	} else {
		gone.log.Warn("Peer dropped", zap.Error(ev.err), zap.Int("peers", len(b.peers)))
	}
}

func (b *Bus) relay(ctx context.Context, env wire.Envelope) {
	// Encode before recording the id so an envelope nobody received is
	// not remembered as seen
	frame, err := wire.AppendFrame(nil, env)
	if err != nil {
		fields := []zap.Field{zap.String("id", env.ID), zap.Stringer("kind", env.Kind()), zap.Error(err)}
		var tooLarge *wire.FrameTooLargeError
		if errors.As(err, &tooLarge) {
			fields = append(fields, zap.Uint64("size", tooLarge.Size))
		}
		b.dropped.Add(1)
		messagesTotal.WithLabelValues("unencodable").Inc()
		b.log.Error("Dropping unencodable envelope", fields...)
		return
	}

	if !b.dedup.Observe(env.ID) {
		b.duplicates.Add(1)
		messagesTotal.WithLabelValues("duplicate").Inc()
		b.log.Debug("Duplicate dropped", zap.String("id", env.ID), zap.Stringer("kind", env.Kind()))
		return
	}

	b.novel.Add(1)
	messagesTotal.WithLabelValues("novel").Inc()

	if !b.deliver(ctx, env) {
		return
	}

	// Every peer gets it, including the sender; its own dedup drops the echo.
	// Writes are sequential so a stalled peer delays the ones after it.
	for _, p := range b.peers {
		if err := p.write(frame); err != nil {
			b.writeFailed(p, err)
		}
	}
}

// deliver blocks until the local application takes env or ctx ends
func (b *Bus) deliver(ctx context.Context, env wire.Envelope) bool {
	select {
	case b.local <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

// writeFailed records a failed write. The connection stays registered
// until its reader reports the failure.
func (b *Bus) writeFailed(p *peer, err error) {
	b.writeErrors.Add(1)
	writeErrorsTotal.Inc()
	p.log.Warn("Write to peer failed", zap.Error(err))
}

func (b *Bus) setPeerCount() {
	b.peerCount.Store(int64(len(b.peers)))
	peersGauge.Set(float64(len(b.peers)))
}

func (b *Bus) shutdown() {
	close(b.done)
	for _, p := range b.peers {
		p.conn.Close()
	}
	b.peers = nil
	b.setPeerCount()

	// Connections attached but never registered
	for {
		select {
		case ev := <-b.events:
			if ev.kind == eventConnect {
				ev.p.conn.Close()
			}
		default:
			b.log.Info("Bus stopped")
			return
		}
	}
}
