// Package credential implements signed, time-bounded attribute assertions.
// A credential binds a subject identifier to a set of attributes and is only
// meaningful relative to an explicit trusted-issuer set and a reference time.
package credential

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"sort"
	"time"

	"seclink/go-node/internal/identity"
	"seclink/go-node/internal/vault"
)

var (
	ErrUntrustedIssuer = errors.New("credential issuer is not trusted")
	ErrExpired         = errors.New("credential is expired")
	ErrNotYetValid     = errors.New("credential is not yet valid")
	ErrBadSignature    = errors.New("credential signature is invalid")
	ErrInvalid         = errors.New("credential is invalid")
)

// AttributeSet is the verified key/value attributes of a subject. Values are
// only trusted after Verify succeeds against a trusted issuer.
type AttributeSet map[string]string

func (a AttributeSet) Clone() AttributeSet {
	out := make(AttributeSet, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Credential is a signed assertion by an issuer identity about a subject.
type Credential struct {
	Subject    identity.Identifier `json:"subject"`
	Attributes map[string]string   `json:"attributes"`
	Issuer     identity.Identifier `json:"issuer"`
	NotBefore  time.Time           `json:"not_before"`
	NotAfter   time.Time           `json:"not_after"`
	Signature  []byte              `json:"signature"`
}

// TrustedIssuers resolves an issuer identifier to its verified history
// snapshot. Implemented by the trust context.
type TrustedIssuers interface {
	IssuerHistory(id identity.Identifier) (identity.History, bool)
}

// Issue builds and signs a credential with the issuer's current key. The
// issuer signs with its identity's current key, so holders must present the
// matching history for verification to succeed.
func Issue(issuer *identity.LocalIdentity, subject identity.Identifier, attrs map[string]string, notBefore, notAfter time.Time) (Credential, error) {
	if subject == "" || len(attrs) == 0 {
		return Credential{}, ErrInvalid
	}
	if !notAfter.After(notBefore) {
		return Credential{}, ErrInvalid
	}

	cred := Credential{
		Subject:    subject,
		Attributes: cloneAttrs(attrs),
		Issuer:     issuer.Identifier(),
		NotBefore:  notBefore.UTC(),
		NotAfter:   notAfter.UTC(),
	}
	sig, err := issuer.Sign(signingBytes(cred))
	if err != nil {
		return Credential{}, err
	}
	cred.Signature = sig
	return cred, nil
}

// IssueWithVault signs a credential from a bare history plus vault key handle,
// used by authority tooling that loads issuer material from disk.
func IssueWithVault(v vault.Vault, issuerHistory identity.History, issuerKey vault.KeyID, subject identity.Identifier, attrs map[string]string, notBefore, notAfter time.Time) (Credential, error) {
	issuerID, err := identity.Verify(issuerHistory)
	if err != nil {
		return Credential{}, err
	}
	if subject == "" || len(attrs) == 0 || !notAfter.After(notBefore) {
		return Credential{}, ErrInvalid
	}
	cred := Credential{
		Subject:    subject,
		Attributes: cloneAttrs(attrs),
		Issuer:     issuerID,
		NotBefore:  notBefore.UTC(),
		NotAfter:   notAfter.UTC(),
	}
	sig, err := v.Sign(issuerKey, signingBytes(cred))
	if err != nil {
		return Credential{}, err
	}
	cred.Signature = sig
	return cred, nil
}

// Verify checks issuer trust, the validity window and the signature against
// the issuer's current key as established by its verified history. It returns
// the attribute set only when every check passes.
func Verify(cred Credential, trusted TrustedIssuers, now time.Time) (AttributeSet, error) {
	issuerHistory, ok := trusted.IssuerHistory(cred.Issuer)
	if !ok {
		return nil, ErrUntrustedIssuer
	}
	issuerID, err := identity.Verify(issuerHistory)
	if err != nil || issuerID != cred.Issuer {
		return nil, ErrUntrustedIssuer
	}

	if now.Before(cred.NotBefore) {
		return nil, ErrNotYetValid
	}
	if now.After(cred.NotAfter) {
		return nil, ErrExpired
	}

	key := issuerHistory.CurrentKey()
	if len(key) != ed25519.PublicKeySize || !ed25519.Verify(key, signingBytes(cred), cred.Signature) {
		return nil, ErrBadSignature
	}
	return AttributeSet(cred.Attributes).Clone(), nil
}

// signingBytes is the canonical byte form covered by the issuer signature:
// subject, issuer, sorted attributes and the validity window. Every
// variable-length field is length-prefixed so that no two distinct
// credentials share a byte form; attribute values may contain any byte.
func signingBytes(cred Credential) []byte {
	keys := make([]string, 0, len(cred.Attributes))
	for k := range cred.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := make([]byte, 0, 160)
	b = appendField(b, []byte(cred.Subject))
	b = appendField(b, []byte(cred.Issuer))
	b = binary.BigEndian.AppendUint32(b, uint32(len(keys)))
	for _, k := range keys {
		b = appendField(b, []byte(k))
		b = appendField(b, []byte(cred.Attributes[k]))
	}
	b = binary.BigEndian.AppendUint64(b, uint64(cred.NotBefore.Unix()))
	b = binary.BigEndian.AppendUint64(b, uint64(cred.NotAfter.Unix()))
	return b
}

func appendField(b, field []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(field)))
	return append(b, field...)
}

func cloneAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
