// Package forwarder exposes a TCP service through secure channels: an outlet
// sits next to the protected service and an inlet gives local clients a plain
// TCP door to it. Every byte between them travels encrypted, and the outlet
// authorizes the peer's credential before the first byte reaches the service.
package forwarder

import (
	"context"
	"io"
	"log/slog"
	"net"

	"seclink/go-node/internal/channel"
)

const (
	// openRequest asks the outlet to connect the target; openAccepted
	// confirms the pipe is live. Anything else before the pipe starts is a
	// protocol violation.
	openRequest  = "seclink/forward/open/v1"
	openAccepted = "seclink/forward/ok/v1"
)

// pipe pumps bytes between a plain TCP connection and a secure channel until
// either side ends. Closing the channel or the connection stops both pumps.
func pipe(ctx context.Context, ch *channel.Channel, conn net.Conn, log *slog.Logger) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if sendErr := ch.Send(ctx, buf[:n]); sendErr != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					log.Debug("local read ended", "reason", err.Error())
				}
				return
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			payload, err := ch.Receive(ctx)
			if err != nil {
				return
			}
			if _, err := conn.Write(payload); err != nil {
				return
			}
		}
	}()

	<-done
	_ = ch.Close()
	_ = conn.Close()
	<-done
}
