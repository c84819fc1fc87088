package channel

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"seclink/go-node/internal/identity"
	"seclink/go-node/internal/transport"
	"seclink/go-node/internal/trust"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrHandshakeFailed is terminal for the attempted session. The transport
	// is torn down and retry policy belongs to the caller.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrHandshakeTransport marks handshake failures caused by the transport
	// rather than by cryptographic verification.
	ErrHandshakeTransport = fmt.Errorf("%w: transport", ErrHandshakeFailed)
)

// Initiate runs the initiator side of the 3-message mutually authenticated
// key exchange over t. On success the returned channel is Established with
// the responder's identity proven, and t is owned by the channel. On any
// failure t is closed and no partial-trust state survives.
func Initiate(ctx context.Context, t transport.Transport, tc *trust.Context, cfg Config) (*Channel, error) {
	ch, err := initiate(ctx, t, tc, cfg)
	if err != nil {
		_ = t.Close()
		metricHandshake("initiator", err)
		return nil, err
	}
	metricHandshake("initiator", nil)
	return ch, nil
}

// Respond runs the responder side. A retried message 1 never mutates an
// existing session: every Respond call builds a fresh session state, so
// renegotiation in place is impossible by construction.
func Respond(ctx context.Context, t transport.Transport, tc *trust.Context, cfg Config) (*Channel, error) {
	ch, err := respond(ctx, t, tc, cfg)
	if err != nil {
		_ = t.Close()
		metricHandshake("responder", err)
		return nil, err
	}
	metricHandshake("responder", nil)
	return ch, nil
}

func initiate(ctx context.Context, t transport.Transport, tc *trust.Context, cfg Config) (*Channel, error) {
	v := tc.Vault()
	local := tc.Local()

	ephemeral, err := v.GenerateAgreementKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	defer v.Forget(ephemeral.ID)

	// Message 1: ephemeral key in the clear.
	h := v.Hash([]byte(handshakeLabel))
	msg1, err := marshalWire(handshakeMessage1{Version: wireVersion, Ephemeral: ephemeral.Public})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := t.Send(ctx, msg1); err != nil {
		return nil, ErrHandshakeTransport
	}
	h = mixHash(v.Hash, h, ephemeral.Public)

	// Message 2: responder ephemeral plus its encrypted identity proof.
	raw, err := t.Receive(ctx)
	if err != nil {
		return nil, ErrHandshakeTransport
	}
	var msg2 handshakeMessage2
	if err := unmarshalWire(raw, &msg2); err != nil || msg2.Version != wireVersion || len(msg2.Ephemeral) != 32 {
		return nil, ErrHandshakeFailed
	}
	h = mixHash(v.Hash, h, msg2.Ephemeral)

	shared, err := v.DH(ephemeral.ID, msg2.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	k1 := deriveKey(shared, h, labelMessage2Key)

	proofBytes, err := v.AEADOpen(k1, nonceBytes(0), h, msg2.Ciphertext)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	remoteID, remoteHistory, err := verifyIdentityProof(proofBytes, h)
	if err != nil {
		return nil, err
	}
	h = mixHash(v.Hash, h, msg2.Ciphertext)

	// Message 3: our proof, sealed under a key that has the responder's
	// static identity mixed into its derivation via the transcript.
	k2 := deriveKey(k1, h, labelMessage3Key)
	sig, err := local.Sign(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	ownProof, err := marshalWire(identityProof{History: local.History(), Signature: sig})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	ct3, err := v.AEADSeal(k2, nonceBytes(0), h, ownProof)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	msg3, err := marshalWire(handshakeMessage3{Version: wireVersion, Ciphertext: ct3})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := t.Send(ctx, msg3); err != nil {
		return nil, ErrHandshakeTransport
	}
	h = mixHash(v.Hash, h, ct3)

	return newEstablished(v, t, tc, cfg, establishedKeys{
		binding: h,
		send:    deriveKey(k2, h, labelInitiatorSend),
		recv:    deriveKey(k2, h, labelResponderSend),
	}, local.Identifier(), remoteID, remoteHistory, true), nil
}

func respond(ctx context.Context, t transport.Transport, tc *trust.Context, cfg Config) (*Channel, error) {
	v := tc.Vault()
	local := tc.Local()

	raw, err := t.Receive(ctx)
	if err != nil {
		return nil, ErrHandshakeTransport
	}
	var msg1 handshakeMessage1
	if err := unmarshalWire(raw, &msg1); err != nil || msg1.Version != wireVersion || len(msg1.Ephemeral) != 32 {
		return nil, ErrHandshakeFailed
	}

	ephemeral, err := v.GenerateAgreementKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	defer v.Forget(ephemeral.ID)

	h := v.Hash([]byte(handshakeLabel))
	h = mixHash(v.Hash, h, msg1.Ephemeral)
	h = mixHash(v.Hash, h, ephemeral.Public)

	shared, err := v.DH(ephemeral.ID, msg1.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	k1 := deriveKey(shared, h, labelMessage2Key)

	sig, err := local.Sign(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	ownProof, err := marshalWire(identityProof{History: local.History(), Signature: sig})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	ct2, err := v.AEADSeal(k1, nonceBytes(0), h, ownProof)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	msg2, err := marshalWire(handshakeMessage2{Version: wireVersion, Ephemeral: ephemeral.Public, Ciphertext: ct2})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := t.Send(ctx, msg2); err != nil {
		return nil, ErrHandshakeTransport
	}
	h = mixHash(v.Hash, h, ct2)

	// Message 3: the initiator's proof under the updated key.
	raw, err = t.Receive(ctx)
	if err != nil {
		return nil, ErrHandshakeTransport
	}
	var msg3 handshakeMessage3
	if err := unmarshalWire(raw, &msg3); err != nil || msg3.Version != wireVersion {
		return nil, ErrHandshakeFailed
	}
	k2 := deriveKey(k1, h, labelMessage3Key)
	proofBytes, err := v.AEADOpen(k2, nonceBytes(0), h, msg3.Ciphertext)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	remoteID, remoteHistory, err := verifyIdentityProof(proofBytes, h)
	if err != nil {
		return nil, err
	}
	h = mixHash(v.Hash, h, msg3.Ciphertext)

	return newEstablished(v, t, tc, cfg, establishedKeys{
		binding: h,
		send:    deriveKey(k2, h, labelResponderSend),
		recv:    deriveKey(k2, h, labelInitiatorSend),
	}, local.Identifier(), remoteID, remoteHistory, false), nil
}

// verifyIdentityProof replays the peer's history and checks the transcript
// signature against the history's current key. The identity proof only
// requires signature validity; credential expiry is checked later, once the
// channel is open.
func verifyIdentityProof(proofBytes, transcript []byte) (identity.Identifier, identity.History, error) {
	var proof identityProof
	if err := unmarshalWire(proofBytes, &proof); err != nil {
		return "", identity.History{}, ErrHandshakeFailed
	}
	id, err := identity.Verify(proof.History)
	if err != nil {
		return "", identity.History{}, ErrHandshakeFailed
	}
	key := proof.History.CurrentKey()
	if len(key) != ed25519.PublicKeySize || !ed25519.Verify(key, transcript, proof.Signature) {
		return "", identity.History{}, ErrHandshakeFailed
	}
	return id, proof.History, nil
}

func mixHash(hash func([]byte) []byte, h, data []byte) []byte {
	buf := make([]byte, 0, len(h)+len(data))
	buf = append(buf, h...)
	buf = append(buf, data...)
	return hash(buf)
}

// deriveKey expands a secret into a 32-byte key bound to the transcript.
func deriveKey(secret, transcript []byte, label string) []byte {
	info := append([]byte(label), 0)
	info = append(info, transcript...)
	reader := hkdf.New(sha256.New, secret, nil, info)
	out := make([]byte, 32)
	_, _ = io.ReadFull(reader, out)
	return out
}

// HandshakeTimeout bounds one full handshake round-trip when the caller has
// no tighter deadline.
const HandshakeTimeout = 30 * time.Second
