package core

import (
	"errors"
)

// Frame is a raw payload written to a transport as one message.
type Frame []byte

// SessionID identifies one live transport (a websocket connection).
type SessionID string

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
