// Package identity models a party's cryptographic identity as an append-only
// history of signed key-change events. The identifier is derived from event 0
// and stays stable across key rotations; trusting an identity means replaying
// its full history from event 0.
package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"time"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrEmptyHistory    = errors.New("identity history is empty")
	ErrSequenceGap     = errors.New("identity history sequence gap")
	ErrBrokenSignature = errors.New("identity history signature broken")
	ErrInvalidEvent    = errors.New("identity change event is invalid")
	ErrStaleHistory    = errors.New("identity history is stale")
)

// Identifier is the stable, rotation-invariant name of an identity.
type Identifier string

// ChangeEvent establishes a new signing key. The signature covers the
// previous event's hash, the sequence number and the new public key, and is
// produced by the previous key (self-signed at sequence 0).
type ChangeEvent struct {
	Seq       uint32    `json:"seq"`
	PublicKey []byte    `json:"public_key"`
	PrevHash  []byte    `json:"prev_hash,omitempty"`
	Signature []byte    `json:"signature"`
	CreatedAt time.Time `json:"created_at"`
}

// History is the ordered, append-only sequence of change events. Verifying
// peers only ever hold copies, never a mutable reference.
type History struct {
	Events []ChangeEvent `json:"events"`
}

func (h History) Clone() History {
	events := make([]ChangeEvent, len(h.Events))
	for i, e := range h.Events {
		events[i] = ChangeEvent{
			Seq:       e.Seq,
			PublicKey: append([]byte(nil), e.PublicKey...),
			PrevHash:  append([]byte(nil), e.PrevHash...),
			Signature: append([]byte(nil), e.Signature...),
			CreatedAt: e.CreatedAt,
		}
	}
	return History{Events: events}
}

// CurrentKey returns the signing key established by the latest event. It does
// not verify the history; callers that need trust must Verify first.
func (h History) CurrentKey() []byte {
	if len(h.Events) == 0 {
		return nil
	}
	return h.Events[len(h.Events)-1].PublicKey
}

// IdentifierOf derives the identifier from event 0 without verifying the
// chain; used for fast lookups before expensive verification.
func IdentifierOf(h History) (Identifier, error) {
	if len(h.Events) == 0 {
		return "", ErrEmptyHistory
	}
	return identifierOfEvent(h.Events[0]), nil
}

func identifierOfEvent(e ChangeEvent) Identifier {
	sum := blake2b.Sum256(eventBytes(e))
	return Identifier("sid1" + base58.Encode(sum[:]))
}

// eventSigningBytes is the canonical byte form covered by an event signature.
func eventSigningBytes(prevHash []byte, seq uint32, publicKey []byte) []byte {
	b := make([]byte, 0, len(prevHash)+len(publicKey)+6)
	b = append(b, prevHash...)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint32(b, seq)
	b = append(b, 0)
	b = append(b, publicKey...)
	return b
}

// eventBytes is the canonical byte form of a complete event, used for chain
// hashing and identifier derivation.
func eventBytes(e ChangeEvent) []byte {
	signing := eventSigningBytes(e.PrevHash, e.Seq, e.PublicKey)
	b := make([]byte, 0, len(signing)+len(e.Signature)+1)
	b = append(b, signing...)
	b = append(b, 0)
	b = append(b, e.Signature...)
	return b
}

func eventHash(e ChangeEvent) []byte {
	sum := blake2b.Sum256(eventBytes(e))
	return sum[:]
}

// Verify replays the history from event 0, checking every signature against
// the key established by the prior event and rejecting any gap, duplicate or
// out-of-order sequence number. It is pure: the single trust root for whether
// a byte blob is a valid identity.
func Verify(h History) (Identifier, error) {
	if len(h.Events) == 0 {
		return "", ErrEmptyHistory
	}

	first := h.Events[0]
	if first.Seq != 0 || len(first.PrevHash) != 0 {
		return "", ErrSequenceGap
	}
	if len(first.PublicKey) != ed25519.PublicKeySize {
		return "", ErrInvalidEvent
	}
	if !ed25519.Verify(first.PublicKey, eventSigningBytes(nil, 0, first.PublicKey), first.Signature) {
		return "", ErrBrokenSignature
	}

	prev := first
	for _, e := range h.Events[1:] {
		if e.Seq != prev.Seq+1 {
			return "", ErrSequenceGap
		}
		if len(e.PublicKey) != ed25519.PublicKeySize {
			return "", ErrInvalidEvent
		}
		expectedPrevHash := eventHash(prev)
		if string(e.PrevHash) != string(expectedPrevHash) {
			return "", ErrBrokenSignature
		}
		signing := eventSigningBytes(e.PrevHash, e.Seq, e.PublicKey)
		if !ed25519.Verify(prev.PublicKey, signing, e.Signature) {
			return "", ErrBrokenSignature
		}
		prev = e
	}

	return identifierOfEvent(first), nil
}
