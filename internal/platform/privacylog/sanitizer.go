// Package privacylog wraps slog handlers so key material and raw identifiers
// never reach log sinks. Secrets are redacted outright; identifiers are
// replaced by a per-boot fingerprint so operators can still correlate lines
// within one run.
package privacylog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()

	// Raw values under these keys identify a party; log the fingerprint.
	fingerprintedIDs = map[string]struct{}{
		"identifier": {},
		"local_id":   {},
		"remote_id":  {},
		"subject":    {},
		"issuer":     {},
		"authority":  {},
		"peer_addr":  {},
	}

	// Any key containing one of these fragments is key material or an
	// equivalent secret and must never be logged even hashed.
	secretKeyParts = []string{"key", "seed", "mnemonic", "passphrase", "secret", "token", "signature", "nonce_value"}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitized := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		sanitized = append(sanitized, SanitizeAttr(attr))
	}
	return &SanitizingHandler{next: h.next.WithAttrs(sanitized)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	if isSecretKey(lowerKey) {
		return slog.String(key, redactedValue)
	}
	if _, ok := fingerprintedIDs[lowerKey]; ok {
		return slog.String(key+"_fp", Fingerprint(valueString(attr.Value)))
	}
	return attr
}

// Fingerprint maps an identifier to a short per-boot stable tag. The boot
// nonce keeps fingerprints from being joinable across runs or deployments.
func Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(bootNonce + "|" + trimmed))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func isSecretKey(key string) bool {
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func valueString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	default:
		return fmt.Sprint(v.Any())
	}
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "static_nonce"
	}
	return hex.EncodeToString(buf)
}
