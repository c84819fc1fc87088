// Package channel implements the mutually authenticated secure channel: the
// 3-message handshake that proves both parties' identities and the keyed
// session that carries encrypted application and control traffic.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"seclink/go-node/internal/credential"
	"seclink/go-node/internal/identity"
	"seclink/go-node/internal/transport"
	"seclink/go-node/internal/trust"
	"seclink/go-node/internal/vault"
)

// State is the channel lifecycle phase. Once Closed a channel is never
// reused; a new session must be created.
type State string

const (
	StateHandshaking State = "handshaking"
	StateEstablished State = "established"
	StateClosed      State = "closed"
)

var (
	ErrChannelClosed = errors.New("channel is closed")
	// ErrTampered marks an AEAD authentication failure. A single forged frame
	// ends the session: nonce state cannot be trusted afterwards.
	ErrTampered = errors.New("frame failed authentication")
	// ErrReplay marks a frame whose nonce does not exceed the last accepted
	// one. Treated as an attack indicator, not a transient fault.
	ErrReplay = errors.New("frame nonce replayed")
)

// Config carries the per-deployment channel tunables. Zero thresholds
// disable the corresponding rekey trigger.
type Config struct {
	RekeyAfterFrames uint64        `yaml:"rekeyAfterFrames"`
	RekeyAfterAge    time.Duration `yaml:"rekeyAfterAge"`
}

type establishedKeys struct {
	binding []byte
	send    []byte
	recv    []byte
}

// Channel is a live keyed session between two proven identities. It is safe
// for one concurrent sender and one concurrent receiver; multiple writers
// must serialize externally, which the internal mutex enforces for the nonce
// sequence either way.
type Channel struct {
	mu sync.Mutex
	// writeMu serializes every outbound frame across encrypt and transport
	// write. Without it a sender preempted between the two lets the receive
	// loop's control frames (rekey acks) reach the wire with a higher nonce
	// first, and the peer rejects the legitimate frame as a replay.
	writeMu sync.Mutex

	vault   vault.Vault
	tr      transport.Transport
	trusted credential.TrustedIssuers

	state     State
	initiator bool
	cfg       Config

	localID       identity.Identifier
	remoteID      identity.Identifier
	remoteHistory identity.History
	remoteCred    *credential.Credential

	binding []byte
	sendKey []byte
	recvKey []byte

	sendNonce uint64 // last used
	recvNonce uint64 // last accepted

	sendEpoch     uint64
	recvEpoch     uint64
	rekeyInFlight bool

	framesSinceRekey uint64
	epochStartedAt   time.Time

	now func() time.Time
}

func newEstablished(v vault.Vault, tr transport.Transport, tc *trust.Context, cfg Config, keys establishedKeys, localID, remoteID identity.Identifier, remoteHistory identity.History, initiator bool) *Channel {
	metricChannelOpened()
	return &Channel{
		vault:          v,
		tr:             tr,
		trusted:        tc,
		state:          StateEstablished,
		initiator:      initiator,
		cfg:            cfg,
		localID:        localID,
		remoteID:       remoteID,
		remoteHistory:  remoteHistory,
		binding:        keys.binding,
		sendKey:        keys.send,
		recvKey:        keys.recv,
		epochStartedAt: time.Now(),
		now:            time.Now,
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) LocalIdentifier() identity.Identifier { return c.localID }

// RemoteIdentifier is the proven identifier of the peer, never merely
// asserted: it was established by the handshake's identity proof.
func (c *Channel) RemoteIdentifier() identity.Identifier { return c.remoteID }

// RemoteHistory returns the peer's change history as presented and verified
// during the handshake.
func (c *Channel) RemoteHistory() identity.History {
	return c.remoteHistory.Clone()
}

// RemoteCredential returns the most recently verified credential presented
// by the peer, if any. Callers must re-verify validity at use time;
// Authorize does this.
func (c *Channel) RemoteCredential() (credential.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteCred == nil {
		return credential.Credential{}, false
	}
	return *c.remoteCred, true
}

// Close is safe to invoke from outside the channel's own goroutines; any
// in-flight transport reads or writes fail fast.
func (c *Channel) Close() error {
	c.mu.Lock()
	wasOpen := c.state != StateClosed
	c.state = StateClosed
	c.mu.Unlock()
	if wasOpen {
		metricChannelClosed()
	}
	return c.tr.Close()
}

// Encrypt seals plaintext under the send key with the next nonce and returns
// the encoded frame. It does not touch the transport.
func (c *Channel) Encrypt(plaintext []byte) ([]byte, error) {
	return c.encryptTyped(frameTypeData, plaintext)
}

func (c *Channel) encryptTyped(frameType string, plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encryptTypedLocked(frameType, plaintext)
}

func (c *Channel) encryptTypedLocked(frameType string, plaintext []byte) ([]byte, error) {
	if c.state != StateEstablished {
		return nil, ErrChannelClosed
	}
	c.sendNonce++
	ct, err := c.vault.AEADSeal(c.sendKey, nonceBytes(c.sendNonce), c.aad(frameType), plaintext)
	if err != nil {
		return nil, err
	}
	c.framesSinceRekey++
	return marshalWire(frame{Version: wireVersion, Type: frameType, Nonce: c.sendNonce, Ciphertext: ct})
}

// Decrypt authenticates and opens one received frame. Replayed nonces and
// forged ciphertexts are terminal: the channel closes and stays closed.
func (c *Channel) Decrypt(raw []byte) (frameType string, plaintext []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decryptLocked(raw)
}

func (c *Channel) decryptLocked(raw []byte) (string, []byte, error) {
	if c.state != StateEstablished {
		return "", nil, ErrChannelClosed
	}
	var f frame
	if err := unmarshalWire(raw, &f); err != nil || f.Version != wireVersion {
		c.closeLocked()
		metricDecryptFailure("malformed")
		return "", nil, ErrTampered
	}
	if f.Nonce <= c.recvNonce {
		c.closeLocked()
		metricDecryptFailure("replay")
		return "", nil, ErrReplay
	}
	plaintext, err := c.vault.AEADOpen(c.recvKey, nonceBytes(f.Nonce), c.aad(f.Type), f.Ciphertext)
	if err != nil {
		c.closeLocked()
		metricDecryptFailure("auth")
		return "", nil, ErrTampered
	}
	c.recvNonce = f.Nonce
	return f.Type, plaintext, nil
}

// aad binds every frame to this channel's handshake transcript and declared
// frame type, so frames cannot be cut-and-pasted across sessions or types.
func (c *Channel) aad(frameType string) []byte {
	b := make([]byte, 0, len(c.binding)+len(frameType)+1)
	b = append(b, c.binding...)
	b = append(b, 0)
	b = append(b, []byte(frameType)...)
	return b
}

func (c *Channel) closeLocked() {
	if c.state != StateClosed {
		c.state = StateClosed
		metricChannelClosed()
	}
	_ = c.tr.Close()
}

// Send encrypts payload as a data frame and writes it to the transport,
// initiating a rekey first when a configured threshold has been crossed.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.maybeRekey(ctx); err != nil {
		return err
	}
	return c.writeFrameWriteLocked(ctx, frameTypeData, payload)
}

// writeFrame seals one frame and writes it while holding the write lock.
func (c *Channel) writeFrame(ctx context.Context, frameType string, plaintext []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameWriteLocked(ctx, frameType, plaintext)
}

func (c *Channel) writeFrameWriteLocked(ctx context.Context, frameType string, plaintext []byte) error {
	raw, err := c.encryptTyped(frameType, plaintext)
	if err != nil {
		return err
	}
	if err := c.tr.Send(ctx, raw); err != nil {
		_ = c.Close()
		return ErrChannelClosed
	}
	return nil
}

// Receive blocks for the next data frame, handling control frames
// (credential presentation, rekey) internally.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	for {
		raw, err := c.tr.Receive(ctx)
		if err != nil {
			_ = c.Close()
			return nil, ErrChannelClosed
		}
		frameType, plaintext, err := c.Decrypt(raw)
		if err != nil {
			return nil, err
		}
		switch frameType {
		case frameTypeData:
			return plaintext, nil
		case frameTypeCred:
			c.acceptCredential(plaintext)
		case frameTypeRekey:
			if err := c.handleRekey(ctx, plaintext); err != nil {
				return nil, err
			}
		case frameTypeRekeyAck:
			c.handleRekeyAck(plaintext)
		default:
			_ = c.Close()
			return nil, ErrTampered
		}
	}
}

// PresentCredential sends a credential over the channel. The receiving side
// verifies it against its own trusted authorities before storing it.
func (c *Channel) PresentCredential(ctx context.Context, cred credential.Credential) error {
	payload, err := marshalWire(cred)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, frameTypeCred, payload)
}

// RefreshCredential re-presents the local credential; peers re-verify on
// every policy check anyway, so refreshing only shortens the denial window
// after re-issuance.
func (c *Channel) RefreshCredential(ctx context.Context, cred credential.Credential) error {
	return c.PresentCredential(ctx, cred)
}

// acceptCredential verifies a received credential before storing it as the
// remote credential. A failed verification leaves the previous credential in
// place: trust failures are terminal for the check, not for the channel.
func (c *Channel) acceptCredential(payload []byte) {
	var cred credential.Credential
	if err := unmarshalWire(payload, &cred); err != nil {
		return
	}
	if cred.Subject != c.remoteID {
		return
	}
	if _, err := credential.Verify(cred, c.trusted, c.now()); err != nil {
		return
	}
	c.mu.Lock()
	c.remoteCred = &cred
	c.mu.Unlock()
}
