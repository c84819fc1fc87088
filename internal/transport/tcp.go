package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"
)

// TCPTransport frames an underlying TCP connection with a 4-byte big-endian
// length prefix per frame.
type TCPTransport struct {
	conn    net.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func NewTCPTransport(conn net.Conn) *TCPTransport {
	return &TCPTransport{conn: conn, closed: make(chan struct{})}
}

// DialTCP connects to addr and wraps the connection.
func DialTCP(ctx context.Context, addr string) (*TCPTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPTransport(conn), nil
}

func (t *TCPTransport) Send(ctx context.Context, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if t.isClosed() || ctx.Err() != nil {
		return ErrClosed
	}
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(frame)))
	if _, err := t.conn.Write(header); err != nil {
		return t.failed(err)
	}
	if _, err := t.conn.Write(frame); err != nil {
		return t.failed(err)
	}
	return nil
}

func (t *TCPTransport) Receive(ctx context.Context) ([]byte, error) {
	if t.isClosed() || ctx.Err() != nil {
		return nil, ErrClosed
	}
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	header := make([]byte, 4)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return nil, t.failed(err)
	}
	size := binary.BigEndian.Uint32(header)
	if size > MaxFrameSize {
		_ = t.Close()
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(t.conn, frame); err != nil {
		return nil, t.failed(err)
	}
	return frame, nil
}

func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}

func (t *TCPTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// failed maps any I/O error on a frame boundary to a terminal closed state;
// a torn frame cannot be resynchronized.
func (t *TCPTransport) failed(error) error {
	_ = t.Close()
	return ErrClosed
}
