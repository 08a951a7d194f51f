package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrEmptyEnvelope is returned when encoding an envelope without a payload
var ErrEmptyEnvelope = errors.New("envelope has no payload")

// FrameTooLargeError is returned when a frame length exceeds MaxFrameSize
type FrameTooLargeError struct {
	Size uint64
	Max  int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame too large: %d > %d", e.Size, e.Max)
}

// UnknownPayloadError is returned when an envelope carries no payload this
// version understands
type UnknownPayloadError struct {
	MessageName string
}

func (e *UnknownPayloadError) Error() string {
	return fmt.Sprintf("no known payload in message %s", e.MessageName)
}

// MissingFieldError is returned when a required field is absent
type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field %s in message %s", e.FieldName, e.MessageName)
}

// MalformedError wraps a low-level protobuf parse failure
type MalformedError struct {
	MessageName string
	Field       protowire.Number
	Err         error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s (field %d): %v", e.MessageName, e.Field, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}
