package channel

import (
	"context"
	"testing"
	"time"

	"seclink/go-node/internal/transport/relay"
)

// The handshake only needs the Transport contract, so it must work unchanged
// over a relay link.
func TestHandshakeOverRelayLink(t *testing.T) {
	rn := relay.NewNode(relay.DefaultConfig())
	if err := rn.Start(context.Background()); err != nil {
		t.Fatalf("relay start: %v", err)
	}
	defer rn.Stop(context.Background())

	la, err := rn.Bind("hs-alice", "hs-bob")
	if err != nil {
		t.Fatalf("bind alice: %v", err)
	}
	lb, err := rn.Bind("hs-bob", "hs-alice")
	if err != nil {
		t.Fatalf("bind bob: %v", err)
	}

	a := newTestPeer(t)
	b := newTestPeer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		ch  *Channel
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, err := Respond(ctx, lb, b.tc, Config{})
		done <- result{ch, err}
	}()
	init, err := Initiate(ctx, la, a.tc, Config{})
	if err != nil {
		t.Fatalf("initiate over relay: %v", err)
	}
	defer init.Close()
	res := <-done
	if res.err != nil {
		t.Fatalf("respond over relay: %v", res.err)
	}
	defer res.ch.Close()

	if err := init.Send(ctx, []byte("relayed and sealed")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := res.ch.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(got) != "relayed and sealed" {
		t.Fatalf("got %q", got)
	}
	if init.RemoteIdentifier() != b.local.Identifier() {
		t.Fatal("relay handshake proved the wrong identity")
	}
}
