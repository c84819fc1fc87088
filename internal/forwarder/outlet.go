package forwarder

import (
	"context"
	"log/slog"
	"net"
	"time"

	"seclink/go-node/internal/channel"
	"seclink/go-node/internal/policy"
	"seclink/go-node/internal/trust"
)

// Outlet connects authorized secure channels to a target TCP address. The
// policy is checked against the peer's presented credential after the forward
// request arrives; anything short of an explicit allow keeps the target
// unreachable.
type Outlet struct {
	TargetAddress string
	TrustCtx      *trust.Context
	// Policy gates access to the target. A nil policy means the outlet is
	// open to any peer that completes the handshake.
	Policy policy.Expr
	Log    *slog.Logger
}

// HandleChannel implements the channel listener handler for one inbound peer.
func (o *Outlet) HandleChannel(ctx context.Context, ch *channel.Channel) {
	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	defer ch.Close()

	// The first data frame must be the forward request; credential frames on
	// the way are absorbed by Receive.
	first, err := ch.Receive(ctx)
	if err != nil {
		return
	}
	if string(first) != openRequest {
		log.Warn("unexpected first frame from peer",
			"remote_id", string(ch.RemoteIdentifier()),
		)
		return
	}

	if o.Policy != nil {
		decision := policy.Authorize(ch, o.Policy, o.TrustCtx, time.Now())
		if !decision.Allowed() {
			log.Warn("forward request denied",
				"remote_id", string(ch.RemoteIdentifier()),
				"reason", string(decision.Reason),
			)
			return
		}
	}

	conn, err := net.Dial("tcp", o.TargetAddress)
	if err != nil {
		log.Error("outlet target unreachable", "reason", err.Error())
		return
	}
	if err := ch.Send(ctx, []byte(openAccepted)); err != nil {
		_ = conn.Close()
		return
	}

	log.Info("forward pipe opened",
		"remote_id", string(ch.RemoteIdentifier()),
	)
	pipe(ctx, ch, conn, log)
}
