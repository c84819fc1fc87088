package policy

import (
	"errors"
	"time"

	"seclink/go-node/internal/credential"
	"seclink/go-node/internal/identity"
)

// Action is the outcome of an authorization check.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Reason describes why authorization returned a specific action. Callers and
// logs can distinguish "peer unauthenticated" from "peer authenticated but
// not authorized" without parsing error strings.
type Reason string

const (
	ReasonPolicyMatched          Reason = "policy_matched"
	ReasonNoCredential           Reason = "no_credential_presented"
	ReasonSubjectMismatch        Reason = "credential_subject_mismatch"
	ReasonCredentialUntrusted    Reason = "credential_issuer_untrusted"
	ReasonCredentialExpired      Reason = "credential_expired"
	ReasonCredentialNotYetValid  Reason = "credential_not_yet_valid"
	ReasonCredentialBadSignature Reason = "credential_bad_signature"
	ReasonPolicyUnmatched        Reason = "policy_unmatched"
)

// Decision is the result of one authorization check; never a bare boolean.
type Decision struct {
	Action Action
	Reason Reason
}

func (d Decision) Allowed() bool { return d.Action == ActionAllow }

// RemotePeer is the view of a secure channel the authorizer needs: the proven
// remote identifier and the most recently presented credential.
type RemotePeer interface {
	RemoteIdentifier() identity.Identifier
	RemoteCredential() (credential.Credential, bool)
}

// Authorize is the single choke point a protected resource calls before
// performing the protected action. The credential is re-verified against the
// trusted issuer set at the supplied time on every check, so a stale
// credential degrades to denial rather than silent continuation.
func Authorize(peer RemotePeer, expr Expr, trusted credential.TrustedIssuers, now time.Time) Decision {
	cred, ok := peer.RemoteCredential()
	if !ok {
		return Decision{Action: ActionDeny, Reason: ReasonNoCredential}
	}
	if cred.Subject != peer.RemoteIdentifier() {
		return Decision{Action: ActionDeny, Reason: ReasonSubjectMismatch}
	}

	attrs, err := credential.Verify(cred, trusted, now)
	if err != nil {
		return Decision{Action: ActionDeny, Reason: denyReason(err)}
	}
	if !Evaluate(expr, attrs) {
		return Decision{Action: ActionDeny, Reason: ReasonPolicyUnmatched}
	}
	return Decision{Action: ActionAllow, Reason: ReasonPolicyMatched}
}

func denyReason(err error) Reason {
	switch {
	case errors.Is(err, credential.ErrUntrustedIssuer):
		return ReasonCredentialUntrusted
	case errors.Is(err, credential.ErrExpired):
		return ReasonCredentialExpired
	case errors.Is(err, credential.ErrNotYetValid):
		return ReasonCredentialNotYetValid
	default:
		return ReasonCredentialBadSignature
	}
}
