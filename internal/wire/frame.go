package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize is the largest envelope body accepted on the wire (1MB)
const MaxFrameSize = 1 << 20

// AppendFrame appends env as a frame: varint body length, then the body
func AppendFrame(b []byte, env Envelope) ([]byte, error) {
	body, err := Marshal(env)
	if err != nil {
		return b, err
	}
	if len(body) > MaxFrameSize {
		return b, &FrameTooLargeError{Size: uint64(len(body)), Max: MaxFrameSize}
	}
	b = protowire.AppendVarint(b, uint64(len(body)))
	return append(b, body...), nil
}

// WriteFrame writes a single framed envelope to w
func WriteFrame(w io.Writer, env Envelope) error {
	frame, err := AppendFrame(nil, env)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder reads framed envelopes from a byte stream
type Decoder struct {
	r   *bufio.Reader
	buf []byte
}

// NewDecoder creates a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next envelope.
// It returns io.EOF only when the stream ends cleanly between frames and
// io.ErrUnexpectedEOF when it ends inside one.
func (d *Decoder) Decode() (Envelope, error) {
	size, err := binary.ReadUvarint(d.r)
	if err != nil {
		// ReadUvarint reports io.EOF only if no byte was read
		return Envelope{}, err
	}
	if size > MaxFrameSize {
		return Envelope{}, &FrameTooLargeError{Size: size, Max: MaxFrameSize}
	}

	if cap(d.buf) < int(size) {
		d.buf = make([]byte, size)
	}
	body := d.buf[:size]
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Envelope{}, err
	}

	return Unmarshal(body)
}
