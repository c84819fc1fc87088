package vault

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// SoftwareVault keeps private keys in process memory. Each key carries its
// own lock so signing and DH calls against one key are strictly ordered while
// unrelated keys proceed in parallel.
type SoftwareVault struct {
	mu   sync.RWMutex
	keys map[KeyID]*keyEntry
}

type keyEntry struct {
	mu      sync.Mutex
	keyType KeyType
	private []byte
	public  []byte
}

func NewSoftwareVault() *SoftwareVault {
	return &SoftwareVault{keys: make(map[KeyID]*keyEntry)}
}

func (v *SoftwareVault) GenerateSigningKey() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return v.install(KeyTypeSigning, priv, pub), nil
}

func (v *SoftwareVault) GenerateAgreementKey() (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	return v.install(KeyTypeAgreement, priv, pub), nil
}

// ImportSigningSeed installs a deterministic signing key from a 32-byte seed,
// used for seed-derived identities that must survive restarts.
func (v *SoftwareVault) ImportSigningSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, ErrInvalidKeySize
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return v.install(KeyTypeSigning, priv, pub), nil
}

func (v *SoftwareVault) install(keyType KeyType, private, public []byte) KeyPair {
	id := keyIDFor(public)
	entry := &keyEntry{
		keyType: keyType,
		private: append([]byte(nil), private...),
		public:  append([]byte(nil), public...),
	}
	v.mu.Lock()
	v.keys[id] = entry
	v.mu.Unlock()
	return KeyPair{ID: id, Type: keyType, Public: append([]byte(nil), public...)}
}

func (v *SoftwareVault) lookup(id KeyID) (*keyEntry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.keys[id]
	return e, ok
}

func (v *SoftwareVault) Sign(id KeyID, message []byte) ([]byte, error) {
	e, ok := v.lookup(id)
	if !ok || e.keyType != KeyTypeSigning {
		return nil, ErrKeyNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return ed25519.Sign(ed25519.PrivateKey(e.private), message), nil
}

func (v *SoftwareVault) Verify(public, message, signature []byte) bool {
	if len(public) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(public), message, signature)
}

func (v *SoftwareVault) DH(id KeyID, peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != curve25519.PointSize {
		return nil, ErrInvalidKeySize
	}
	e, ok := v.lookup(id)
	if !ok || e.keyType != KeyTypeAgreement {
		return nil, ErrKeyNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return curve25519.X25519(e.private, peerPublic)
}

func (v *SoftwareVault) AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func (v *SoftwareVault) AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key, nonce)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAEADOpenFailed
	}
	return plaintext, nil
}

func (v *SoftwareVault) Hash(data []byte) []byte {
	h := blake2b.Sum256(data)
	return h[:]
}

func (v *SoftwareVault) Forget(id KeyID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e, ok := v.keys[id]; ok {
		for i := range e.private {
			e.private[i] = 0
		}
		delete(v.keys, id)
	}
}

func newAEAD(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, ErrInvalidNonce
	}
	return chacha20poly1305.New(key)
}
