// Package transport delivers opaque length-delimited byte frames between two
// endpoints. Framing and multiplexing policy live here; the channel layer
// treats frames as blobs.
package transport

import (
	"context"
	"errors"
)

const (
	// MaxFrameSize bounds a single frame on the wire. Handshake payloads and
	// encrypted data frames both fit comfortably below this.
	MaxFrameSize = 1 << 20
)

var (
	ErrClosed        = errors.New("transport is closed")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Transport is the byte-frame capability the handshake engine and secure
// channel consume. Receive blocks until a frame arrives, the context is
// cancelled, or the transport is closed.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
