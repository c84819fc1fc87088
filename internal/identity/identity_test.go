package identity

import (
	"errors"
	"strings"
	"testing"

	"seclink/go-node/internal/vault"
)

func newTestIdentity(t *testing.T) *LocalIdentity {
	t.Helper()
	l, err := Create(vault.NewSoftwareVault())
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	return l
}

func TestCreateProducesVerifiableHistory(t *testing.T) {
	l := newTestIdentity(t)
	h := l.History()
	if len(h.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(h.Events))
	}

	id, err := Verify(h)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id != l.Identifier() {
		t.Fatalf("verified identifier mismatch: %s != %s", id, l.Identifier())
	}
	if !strings.HasPrefix(string(id), "sid1") {
		t.Fatalf("identifier must carry the sid1 prefix: %s", id)
	}
}

func TestIdentifierStableAcrossRotation(t *testing.T) {
	l := newTestIdentity(t)
	before := l.Identifier()
	keyBefore := l.History().CurrentKey()

	if err := l.Rotate(0); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	h := l.History()
	id, err := Verify(h)
	if err != nil {
		t.Fatalf("verify after rotation: %v", err)
	}
	if id != before {
		t.Fatal("identifier must be invariant across rotation")
	}
	if string(h.CurrentKey()) == string(keyBefore) {
		t.Fatal("current signing key must change on rotation")
	}

	fast, err := IdentifierOf(h)
	if err != nil {
		t.Fatalf("identifier_of: %v", err)
	}
	if fast != id {
		t.Fatal("IdentifierOf must agree with Verify")
	}
}

func TestRotateStaleHistory(t *testing.T) {
	l := newTestIdentity(t)
	if err := l.Rotate(0); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := l.Rotate(0); !errors.Is(err, ErrStaleHistory) {
		t.Fatalf("expected ErrStaleHistory, got %v", err)
	}
	if err := l.Rotate(1); err != nil {
		t.Fatalf("rotate with fresh seq: %v", err)
	}
}

func TestVerifyEmptyHistory(t *testing.T) {
	if _, err := Verify(History{}); !errors.Is(err, ErrEmptyHistory) {
		t.Fatalf("expected ErrEmptyHistory, got %v", err)
	}
}

func TestVerifyRejectsFlippedSignatureBits(t *testing.T) {
	l := newTestIdentity(t)
	if err := l.Rotate(0); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	for eventIdx := 0; eventIdx < 2; eventIdx++ {
		h := l.History()
		h.Events[eventIdx].Signature[7] ^= 0x01
		if _, err := Verify(h); !errors.Is(err, ErrBrokenSignature) {
			t.Fatalf("event %d: expected ErrBrokenSignature, got %v", eventIdx, err)
		}
	}
}

func TestVerifyRejectsSequenceAnomalies(t *testing.T) {
	l := newTestIdentity(t)
	if err := l.Rotate(0); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := l.Rotate(1); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(h *History)
	}{
		{"gap", func(h *History) { h.Events[2].Seq = 5 }},
		{"duplicate", func(h *History) { h.Events[2].Seq = 1 }},
		{"reordered", func(h *History) { h.Events[1], h.Events[2] = h.Events[2], h.Events[1] }},
		{"nonzero first", func(h *History) { h.Events = h.Events[1:] }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := l.History()
			tc.mutate(&h)
			if _, err := Verify(h); !errors.Is(err, ErrSequenceGap) {
				t.Fatalf("expected ErrSequenceGap, got %v", err)
			}
		})
	}
}

func TestVerifyRejectsForkedChain(t *testing.T) {
	l := newTestIdentity(t)
	if err := l.Rotate(0); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Swap event 1's prev-hash link to a different event hash.
	h := l.History()
	h.Events[1].PrevHash[0] ^= 0x01
	if _, err := Verify(h); !errors.Is(err, ErrBrokenSignature) {
		t.Fatalf("expected ErrBrokenSignature, got %v", err)
	}
}

func TestSeedDerivedIdentityIsStable(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 7)
	}
	a, err := CreateFromSeed(vault.NewSoftwareVault(), seed)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := CreateFromSeed(vault.NewSoftwareVault(), seed)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if a.Identifier() != b.Identifier() {
		t.Fatal("seed-derived identities must share an identifier")
	}
}
