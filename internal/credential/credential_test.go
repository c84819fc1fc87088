package credential

import (
	"errors"
	"testing"
	"time"

	"seclink/go-node/internal/identity"
	"seclink/go-node/internal/trust"
	"seclink/go-node/internal/vault"
)

func newAuthority(t *testing.T) (*identity.LocalIdentity, *trust.Context) {
	t.Helper()
	v := vault.NewSoftwareVault()
	authority, err := identity.Create(v)
	if err != nil {
		t.Fatalf("create authority: %v", err)
	}
	local, err := identity.Create(v)
	if err != nil {
		t.Fatalf("create local: %v", err)
	}
	ctx := trust.NewContext(v, local)
	if _, err := ctx.AddAuthority(authority.History()); err != nil {
		t.Fatalf("add authority: %v", err)
	}
	return authority, ctx
}

func issueTestCredential(t *testing.T, issuer *identity.LocalIdentity, subject identity.Identifier, now time.Time) Credential {
	t.Helper()
	cred, err := Issue(issuer, subject, map[string]string{"role": "admin"}, now.Add(-time.Minute), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return cred
}

func TestIssueAndVerify(t *testing.T) {
	now := time.Now()
	authority, ctx := newAuthority(t)
	cred := issueTestCredential(t, authority, "sid1subject", now)

	attrs, err := Verify(cred, ctx, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if attrs["role"] != "admin" {
		t.Fatalf("expected role=admin, got %q", attrs["role"])
	}
}

func TestVerifyUntrustedIssuer(t *testing.T) {
	now := time.Now()
	v := vault.NewSoftwareVault()
	rogue, err := identity.Create(v)
	if err != nil {
		t.Fatalf("create rogue: %v", err)
	}
	_, ctx := newAuthority(t)
	cred := issueTestCredential(t, rogue, "sid1subject", now)

	if _, err := Verify(cred, ctx, now); !errors.Is(err, ErrUntrustedIssuer) {
		t.Fatalf("expected ErrUntrustedIssuer, got %v", err)
	}

	// The same credential verifies once the issuer joins the trusted set.
	if _, err := ctx.AddAuthority(rogue.History()); err != nil {
		t.Fatalf("add rogue as authority: %v", err)
	}
	if _, err := Verify(cred, ctx, now); err != nil {
		t.Fatalf("verify after trusting issuer: %v", err)
	}
}

func TestVerifyValidityWindow(t *testing.T) {
	now := time.Now()
	authority, ctx := newAuthority(t)
	cred, err := Issue(authority, "sid1subject", map[string]string{"role": "admin"}, now.Add(time.Hour), now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := Verify(cred, ctx, now); !errors.Is(err, ErrNotYetValid) {
		t.Fatalf("expected ErrNotYetValid, got %v", err)
	}
	if _, err := Verify(cred, ctx, now.Add(3*time.Hour)); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := Verify(cred, ctx, now.Add(90*time.Minute)); err != nil {
		t.Fatalf("verify inside window: %v", err)
	}
}

// A subject must not be able to re-present a signature over one attribute
// map as a signature over a different one. With separator-based encodings
// {"a": "b\x00role\x00admin"} and {"a": "b", "role": "admin"} collide; the
// length-prefixed form keeps them distinct.
func TestVerifyRejectsRestructuredAttributes(t *testing.T) {
	now := time.Now()
	authority, ctx := newAuthority(t)
	issued, err := Issue(authority, "sid1subject",
		map[string]string{"a": "b\x00role\x00admin"},
		now.Add(-time.Minute), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Verify(issued, ctx, now); err != nil {
		t.Fatalf("verify issued credential: %v", err)
	}

	forged := issued
	forged.Attributes = map[string]string{"a": "b", "role": "admin"}
	if _, err := Verify(forged, ctx, now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("restructured attribute map must fail, got %v", err)
	}

	// The symmetric splice: collapsing two asserted attributes into one.
	issued2, err := Issue(authority, "sid1subject",
		map[string]string{"a": "b", "role": "admin"},
		now.Add(-time.Minute), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	forged2 := issued2
	forged2.Attributes = map[string]string{"a": "b\x00role\x00admin"}
	if _, err := Verify(forged2, ctx, now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("collapsed attribute map must fail, got %v", err)
	}
}

func TestVerifyTamperedAttributesFail(t *testing.T) {
	now := time.Now()
	authority, ctx := newAuthority(t)
	cred := issueTestCredential(t, authority, "sid1subject", now)
	cred.Attributes["role"] = "root"

	if _, err := Verify(cred, ctx, now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyAfterIssuerRotation(t *testing.T) {
	now := time.Now()
	authority, ctx := newAuthority(t)
	credOld := issueTestCredential(t, authority, "sid1subject", now)

	if err := authority.Rotate(0); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := ctx.AddAuthority(authority.History()); err != nil {
		t.Fatalf("refresh authority history: %v", err)
	}

	// Old-key signatures stop verifying after rotation; the authority must
	// re-issue under its current key.
	if _, err := Verify(credOld, ctx, now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for pre-rotation credential, got %v", err)
	}
	credNew := issueTestCredential(t, authority, "sid1subject", now)
	if _, err := Verify(credNew, ctx, now); err != nil {
		t.Fatalf("verify re-issued credential: %v", err)
	}
}

func TestIssueRejectsInvalidInput(t *testing.T) {
	now := time.Now()
	authority, _ := newAuthority(t)

	if _, err := Issue(authority, "", map[string]string{"a": "b"}, now, now.Add(time.Hour)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty subject, got %v", err)
	}
	if _, err := Issue(authority, "sid1x", nil, now, now.Add(time.Hour)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty attributes, got %v", err)
	}
	if _, err := Issue(authority, "sid1x", map[string]string{"a": "b"}, now, now.Add(-time.Hour)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for inverted window, got %v", err)
	}
}
