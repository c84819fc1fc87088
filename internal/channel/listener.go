package channel

import (
	"context"
	"log/slog"
	"net"
	"time"

	"seclink/go-node/internal/platform/ratelimiter"
	"seclink/go-node/internal/transport"
	"seclink/go-node/internal/trust"
)

// Handler receives each successfully established inbound channel. The
// listener does not retain the channel; the handler owns its lifecycle.
type Handler func(ctx context.Context, ch *Channel)

// ListenerConfig tunes the inbound side. HandshakesPerSecond and
// HandshakeBurst gate unauthenticated peers per remote address before any
// cryptography runs; zero disables the gate.
type ListenerConfig struct {
	Channel             Config
	HandshakesPerSecond float64
	HandshakeBurst      int
}

// Listener accepts TCP connections and runs the responder handshake on each.
// A failed or rate-limited handshake never affects other connections.
type Listener struct {
	ln      net.Listener
	tc      *trust.Context
	cfg     ListenerConfig
	limiter *ratelimiter.PeerLimiter
	log     *slog.Logger
	handler Handler
}

// Listen binds addr and starts accepting once Serve is called.
func Listen(addr string, tc *trust.Context, cfg ListenerConfig, handler Handler, log *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		ln:      ln,
		tc:      tc,
		cfg:     cfg,
		limiter: ratelimiter.New(cfg.HandshakesPerSecond, cfg.HandshakeBurst, 10*time.Minute),
		log:     log,
		handler: handler,
	}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts until ctx is canceled or the listener is closed. Each
// accepted connection handshakes on its own goroutine so a slow or hostile
// peer cannot stall the accept loop.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !l.limiter.Allow(remoteHost(conn), time.Now()) {
			l.log.Warn("handshake rate limit exceeded", "peer_addr", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	hsCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	tr := transport.NewTCPTransport(conn)
	ch, err := Respond(hsCtx, tr, l.tc, l.cfg.Channel)
	if err != nil {
		l.log.Warn("inbound handshake failed",
			"peer_addr", conn.RemoteAddr().String(),
			"error", err.Error(),
		)
		return
	}
	l.log.Info("secure channel established",
		"peer_addr", conn.RemoteAddr().String(),
		"remote_id", string(ch.RemoteIdentifier()),
	)
	l.handler(ctx, ch)
}

// Close stops accepting. Channels already handed to the handler keep running.
func (l *Listener) Close() error { return l.ln.Close() }

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// Dial connects to addr and runs the initiator handshake over the resulting
// TCP transport.
func Dial(ctx context.Context, addr string, tc *trust.Context, cfg Config) (*Channel, error) {
	hsCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	tr, err := transport.DialTCP(hsCtx, addr)
	if err != nil {
		return nil, ErrHandshakeTransport
	}
	return Initiate(hsCtx, tr, tc, cfg)
}
