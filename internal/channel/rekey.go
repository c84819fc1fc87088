package channel

import "context"

// maybeRekey ratchets the send key when a configured threshold has been
// crossed. The rekey frame is sealed under the outgoing key's current epoch,
// so a FIFO transport gives the receiver an unambiguous switch point: every
// frame after it is under the next key. Called with writeMu held.
func (c *Channel) maybeRekey(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateEstablished || !c.rekeyDueLocked() {
		c.mu.Unlock()
		return nil
	}
	payload, err := marshalWire(rekeyControl{Epoch: c.sendEpoch + 1})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	raw, err := c.encryptTypedLocked(frameTypeRekey, payload)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.sendKey = ratchetKey(c.sendKey, c.binding)
	c.sendNonce = 0
	c.sendEpoch++
	c.rekeyInFlight = true
	c.framesSinceRekey = 0
	c.epochStartedAt = c.now()
	c.mu.Unlock()

	metricRekey("initiated")
	if err := c.tr.Send(ctx, raw); err != nil {
		_ = c.Close()
		return ErrChannelClosed
	}
	return nil
}

func (c *Channel) rekeyDueLocked() bool {
	if c.rekeyInFlight {
		return false
	}
	if c.cfg.RekeyAfterFrames > 0 && c.framesSinceRekey >= c.cfg.RekeyAfterFrames {
		return true
	}
	if c.cfg.RekeyAfterAge > 0 && c.now().Sub(c.epochStartedAt) >= c.cfg.RekeyAfterAge {
		return true
	}
	return false
}

// handleRekey ratchets the receive key in response to the peer's rekey frame
// and acknowledges under our own send key. A rekey announcing any epoch other
// than the next one means the two ends have diverged.
func (c *Channel) handleRekey(ctx context.Context, payload []byte) error {
	var ctrl rekeyControl
	if err := unmarshalWire(payload, &ctrl); err != nil {
		_ = c.Close()
		return ErrTampered
	}

	c.mu.Lock()
	if ctrl.Epoch != c.recvEpoch+1 {
		c.closeLocked()
		c.mu.Unlock()
		return ErrTampered
	}
	c.recvKey = ratchetKey(c.recvKey, c.binding)
	c.recvNonce = 0
	c.recvEpoch = ctrl.Epoch
	c.mu.Unlock()

	metricRekey("accepted")
	ackPayload, err := marshalWire(rekeyControl{Epoch: ctrl.Epoch})
	if err != nil {
		return err
	}
	// The ack is written from its own goroutine, through the write lock like
	// any other outbound frame: it still gets an in-order nonce, while the
	// receive loop keeps draining the transport so a peer sender blocked on a
	// full transport can always make progress. At most one ack is in flight
	// per direction; the sender cannot start another rekey until it lands.
	go func() { _ = c.writeFrame(ctx, frameTypeRekeyAck, ackPayload) }()
	return nil
}

// handleRekeyAck clears the in-flight gate once the peer confirms the epoch
// we announced. Stale acks for earlier epochs are ignored.
func (c *Channel) handleRekeyAck(payload []byte) {
	var ctrl rekeyControl
	if err := unmarshalWire(payload, &ctrl); err != nil {
		return
	}
	c.mu.Lock()
	if ctrl.Epoch == c.sendEpoch {
		c.rekeyInFlight = false
	}
	c.mu.Unlock()
}

// ratchetKey derives the next directional key from the previous one; the old
// key is unrecoverable from the new one.
func ratchetKey(key, binding []byte) []byte {
	return deriveKey(key, binding, labelRatchet)
}
