package vault

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

func TestSignVerify(t *testing.T) {
	v := NewSoftwareVault()
	kp, err := v.GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	msg := []byte("attest me")
	sig, err := v.Sign(kp.ID, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !v.Verify(kp.Public, msg, sig) {
		t.Fatal("signature must verify")
	}
	sig[0] ^= 0x01
	if v.Verify(kp.Public, msg, sig) {
		t.Fatal("tampered signature must not verify")
	}
}

func TestSignUnknownKeyFails(t *testing.T) {
	v := NewSoftwareVault()
	if _, err := v.Sign(KeyID("vk1missing"), []byte("m")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestDHSharedSecretAgreement(t *testing.T) {
	v := NewSoftwareVault()
	a, err := v.GenerateAgreementKey()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := v.GenerateAgreementKey()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}
	ab, err := v.DH(a.ID, b.Public)
	if err != nil {
		t.Fatalf("dh a->b: %v", err)
	}
	ba, err := v.DH(b.ID, a.Public)
	if err != nil {
		t.Fatalf("dh b->a: %v", err)
	}
	if !bytes.Equal(ab, ba) {
		t.Fatal("shared secrets must agree")
	}
}

func TestAEADSealOpenRoundTrip(t *testing.T) {
	v := NewSoftwareVault()
	key := make([]byte, chacha20poly1305.KeySize)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	for i := range key {
		key[i] = byte(i)
	}
	aad := []byte("channel-aad")
	ct, err := v.AEADSeal(key, nonce, aad, []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pt, err := v.AEADOpen(key, nonce, aad, ct)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(pt) != "payload" {
		t.Fatalf("round-trip mismatch: %q", pt)
	}

	ct[0] ^= 0x01
	if _, err := v.AEADOpen(key, nonce, aad, ct); !errors.Is(err, ErrAEADOpenFailed) {
		t.Fatalf("expected ErrAEADOpenFailed, got %v", err)
	}
}

func TestImportSigningSeedDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i * 3)
	}
	v1 := NewSoftwareVault()
	v2 := NewSoftwareVault()
	kp1, err := v1.ImportSigningSeed(seed)
	if err != nil {
		t.Fatalf("import 1: %v", err)
	}
	kp2, err := v2.ImportSigningSeed(seed)
	if err != nil {
		t.Fatalf("import 2: %v", err)
	}
	if !bytes.Equal(kp1.Public, kp2.Public) || kp1.ID != kp2.ID {
		t.Fatal("seed-derived keys must be deterministic")
	}
}

func TestForgetRemovesKey(t *testing.T) {
	v := NewSoftwareVault()
	kp, err := v.GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	v.Forget(kp.ID)
	if _, err := v.Sign(kp.ID, []byte("m")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after forget, got %v", err)
	}
}

func TestConcurrentSignSameKey(t *testing.T) {
	v := NewSoftwareVault()
	kp, err := v.GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			msg := []byte{byte(n)}
			sig, err := v.Sign(kp.ID, msg)
			if err != nil {
				t.Errorf("sign: %v", err)
				return
			}
			if !v.Verify(kp.Public, msg, sig) {
				t.Error("signature must verify")
			}
		}(i)
	}
	wg.Wait()
}
