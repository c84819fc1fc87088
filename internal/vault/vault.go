// Package vault provides the cryptographic capability consumed by the
// identity, credential and channel layers. Private key material never leaves
// the vault; callers hold opaque key handles. Alternate backends (hardware,
// cloud KMS) implement the same interface without touching protocol logic.
package vault

import (
	"errors"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrKeyNotFound    = errors.New("vault key not found")
	ErrInvalidKeySize = errors.New("vault invalid key size")
	ErrInvalidNonce   = errors.New("vault invalid nonce size")
	ErrAEADOpenFailed = errors.New("vault aead open failed")
)

// KeyID is an opaque handle to a private key held by a vault.
type KeyID string

type KeyType int

const (
	KeyTypeSigning   KeyType = iota // ed25519
	KeyTypeAgreement                // x25519
)

// KeyPair exposes the public half of a vault-held key.
type KeyPair struct {
	ID     KeyID
	Type   KeyType
	Public []byte
}

// Vault is the primitive-operation capability. Sign and DH calls against the
// same key are serialized by the implementation; callers may share a vault
// across many concurrent channels.
type Vault interface {
	GenerateSigningKey() (KeyPair, error)
	GenerateAgreementKey() (KeyPair, error)
	ImportSigningSeed(seed []byte) (KeyPair, error)

	Sign(id KeyID, message []byte) ([]byte, error)
	Verify(public, message, signature []byte) bool
	DH(id KeyID, peerPublic []byte) ([]byte, error)

	AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error)
	AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error)
	Hash(data []byte) []byte

	Forget(id KeyID)
}

func keyIDFor(public []byte) KeyID {
	h := blake2b.Sum256(public)
	return KeyID("vk1" + base58.Encode(h[:16]))
}
