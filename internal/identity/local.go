package identity

import (
	"sync"
	"time"

	"seclink/go-node/internal/vault"
)

// LocalIdentity is the holder's side of an identity: the history plus the
// vault handle of the current signing key. Rotation appends a new signed
// event; the history is never truncated.
type LocalIdentity struct {
	mu      sync.RWMutex
	vault   vault.Vault
	history History
	current vault.KeyID
	id      Identifier
}

// Create generates a fresh key pair and produces the self-signed event 0.
func Create(v vault.Vault) (*LocalIdentity, error) {
	kp, err := v.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	return newLocalIdentity(v, kp)
}

// CreateFromSeed derives the event-0 key deterministically from a 32-byte
// seed so the identity survives restarts without new key material.
func CreateFromSeed(v vault.Vault, seed []byte) (*LocalIdentity, error) {
	kp, err := v.ImportSigningSeed(seed)
	if err != nil {
		return nil, err
	}
	return newLocalIdentity(v, kp)
}

func newLocalIdentity(v vault.Vault, kp vault.KeyPair) (*LocalIdentity, error) {
	signing := eventSigningBytes(nil, 0, kp.Public)
	sig, err := v.Sign(kp.ID, signing)
	if err != nil {
		return nil, err
	}
	event := ChangeEvent{
		Seq:       0,
		PublicKey: append([]byte(nil), kp.Public...),
		Signature: sig,
		CreatedAt: time.Now().UTC(),
	}
	return &LocalIdentity{
		vault:   v,
		history: History{Events: []ChangeEvent{event}},
		current: kp.ID,
		id:      identifierOfEvent(event),
	}, nil
}

// Rotate generates a new key pair and appends a change event signed by the
// current key. expectedSeq must name the latest known sequence number; a
// mismatch means the caller holds an outdated view and gets ErrStaleHistory
// instead of an accidental fork.
func (l *LocalIdentity) Rotate(expectedSeq uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	latest := l.history.Events[len(l.history.Events)-1]
	if latest.Seq != expectedSeq {
		return ErrStaleHistory
	}

	kp, err := l.vault.GenerateSigningKey()
	if err != nil {
		return err
	}
	prevHash := eventHash(latest)
	signing := eventSigningBytes(prevHash, latest.Seq+1, kp.Public)
	sig, err := l.vault.Sign(l.current, signing)
	if err != nil {
		l.vault.Forget(kp.ID)
		return err
	}

	l.history.Events = append(l.history.Events, ChangeEvent{
		Seq:       latest.Seq + 1,
		PublicKey: append([]byte(nil), kp.Public...),
		PrevHash:  prevHash,
		Signature: sig,
		CreatedAt: time.Now().UTC(),
	})
	l.vault.Forget(l.current)
	l.current = kp.ID
	return nil
}

// Identifier returns the stable identifier derived from event 0.
func (l *LocalIdentity) Identifier() Identifier {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.id
}

// History returns a snapshot copy; concurrent rotation is never observed
// half-applied by a verification in flight.
func (l *LocalIdentity) History() History {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.history.Clone()
}

// LatestSeq returns the sequence number of the newest change event.
func (l *LocalIdentity) LatestSeq() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.history.Events[len(l.history.Events)-1].Seq
}

// Sign signs a message with the identity's current key.
func (l *LocalIdentity) Sign(message []byte) ([]byte, error) {
	l.mu.RLock()
	id := l.current
	l.mu.RUnlock()
	return l.vault.Sign(id, message)
}
