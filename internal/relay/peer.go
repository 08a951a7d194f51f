package relay

import (
	"errors"
	"io"
	"net"

	"go.uber.org/zap"

	"arena-relay/internal/wire"
)

// peer is one registered connection. Only the bus loop writes to conn;
// only the peer's reader goroutine reads from it.
type peer struct {
	id   uint64
	conn net.Conn
	addr string
	log  *zap.Logger
}

func (p *peer) write(frame []byte) error {
	_, err := p.conn.Write(frame)
	return err
}

// readLoop decodes envelopes until the stream ends or fails, forwarding each
// to the bus in arrival order. Any failure ends the loop with a disconnect.
func (b *Bus) readLoop(p *peer) {
	dec := wire.NewDecoder(p.conn)

	for {
		env, err := dec.Decode()
		if err != nil {
			reason := "error"
			if errors.Is(err, io.EOF) {
				reason = "eof"
			}
			b.send(event{kind: eventDisconnect, peer: p.id, reason: reason, err: err})
			return
		}

		if !b.send(event{kind: eventMessage, peer: p.id, env: env}) {
			return
		}
	}
}
