package transport

import (
	"context"
	"sync"
)

// Pipe returns two connected in-memory transports, a loopback byte pipe for
// tests and local wiring. Frames written to one end are received by the other
// in order.
func Pipe() (*PipeEnd, *PipeEnd) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	shared := &pipeShared{closed: make(chan struct{})}
	a := &PipeEnd{send: a2b, recv: b2a, shared: shared}
	b := &PipeEnd{send: b2a, recv: a2b, shared: shared}
	return a, b
}

type pipeShared struct {
	once   sync.Once
	closed chan struct{}
}

type PipeEnd struct {
	send   chan<- []byte
	recv   <-chan []byte
	shared *pipeShared
}

func (p *PipeEnd) Send(ctx context.Context, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := append([]byte(nil), frame...)
	select {
	case <-p.shared.closed:
		return ErrClosed
	case <-ctx.Done():
		return ErrClosed
	case p.send <- buf:
		return nil
	}
}

func (p *PipeEnd) Receive(ctx context.Context) ([]byte, error) {
	// Drain frames already in flight before honoring close.
	select {
	case frame := <-p.recv:
		return frame, nil
	default:
	}
	select {
	case frame := <-p.recv:
		return frame, nil
	case <-p.shared.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ErrClosed
	}
}

// Close tears down both ends; in-flight reads fail fast.
func (p *PipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.closed) })
	return nil
}
