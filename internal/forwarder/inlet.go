package forwarder

import (
	"context"
	"log/slog"
	"net"

	"seclink/go-node/internal/channel"
	"seclink/go-node/internal/credential"
	"seclink/go-node/internal/trust"
)

// Inlet listens on a plain TCP address and forwards each accepted connection
// through a fresh secure channel to the peer node's outlet. Each local
// connection gets its own channel, so one hijacked session never carries
// another client's traffic.
type Inlet struct {
	ListenAddress string
	PeerAddress   string
	TrustCtx      *trust.Context
	Channel       channel.Config
	// Credential, when set, is presented to the outlet before the forward
	// request so the outlet can authorize us.
	Credential *credential.Credential

	// DialChannel, when set, replaces the direct TCP dial to PeerAddress;
	// the node uses it to reach relay-addressed outlets.
	DialChannel func(ctx context.Context) (*channel.Channel, error)

	Log *slog.Logger

	ln net.Listener
}

// Listen binds the local address. Serve must be called to start accepting.
func (i *Inlet) Listen() error {
	ln, err := net.Listen("tcp", i.ListenAddress)
	if err != nil {
		return err
	}
	i.ln = ln
	if i.Log == nil {
		i.Log = slog.Default()
	}
	return nil
}

func (i *Inlet) Addr() net.Addr { return i.ln.Addr() }

func (i *Inlet) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = i.ln.Close()
	}()
	for {
		conn, err := i.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go i.handleConn(ctx, conn)
	}
}

func (i *Inlet) handleConn(ctx context.Context, conn net.Conn) {
	ch, err := i.dialChannel(ctx)
	if err != nil {
		i.Log.Warn("inlet could not reach outlet", "reason", err.Error())
		_ = conn.Close()
		return
	}

	if i.Credential != nil {
		if err := ch.PresentCredential(ctx, *i.Credential); err != nil {
			i.Log.Warn("credential presentation failed", "reason", err.Error())
			_ = ch.Close()
			_ = conn.Close()
			return
		}
	}
	if err := ch.Send(ctx, []byte(openRequest)); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return
	}
	reply, err := ch.Receive(ctx)
	if err != nil || string(reply) != openAccepted {
		i.Log.Warn("forward request rejected",
			"remote_id", string(ch.RemoteIdentifier()),
		)
		_ = ch.Close()
		_ = conn.Close()
		return
	}

	i.Log.Info("forwarding connection",
		"remote_id", string(ch.RemoteIdentifier()),
	)
	pipe(ctx, ch, conn, i.Log)
}

func (i *Inlet) dialChannel(ctx context.Context) (*channel.Channel, error) {
	if i.DialChannel != nil {
		return i.DialChannel(ctx)
	}
	return channel.Dial(ctx, i.PeerAddress, i.TrustCtx, i.Channel)
}

func (i *Inlet) Close() error {
	if i.ln == nil {
		return nil
	}
	return i.ln.Close()
}
