package privacylog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func captureLog(t *testing.T, log func(l *slog.Logger)) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	log(logger)
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	return rec
}

func TestSecretsAreRedacted(t *testing.T) {
	rec := captureLog(t, func(l *slog.Logger) {
		l.Info("loading", "seed_path", "/etc/seclink/seed", "passphrase", "hunter2")
	})
	if rec["seed_path"] != "[REDACTED]" {
		t.Fatalf("seed_path leaked: %v", rec["seed_path"])
	}
	if rec["passphrase"] != "[REDACTED]" {
		t.Fatalf("passphrase leaked: %v", rec["passphrase"])
	}
}

func TestIdentifiersAreFingerprinted(t *testing.T) {
	const id = "sid1AbCdEf"
	rec := captureLog(t, func(l *slog.Logger) {
		l.Info("channel up", "remote_id", id)
	})
	if _, ok := rec["remote_id"]; ok {
		t.Fatal("raw remote_id must not appear")
	}
	fp, ok := rec["remote_id_fp"].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("expected fingerprint, got %v", rec["remote_id_fp"])
	}
	if strings.Contains(fp, id) {
		t.Fatal("fingerprint must not embed the identifier")
	}
	// Stable within one boot.
	if Fingerprint(id) != Fingerprint(id) {
		t.Fatal("fingerprint must be deterministic per boot")
	}
}

func TestUnrelatedAttrsPassThrough(t *testing.T) {
	rec := captureLog(t, func(l *slog.Logger) {
		l.Info("stats", "frames", 42, "state", "established")
	})
	if rec["frames"] != float64(42) || rec["state"] != "established" {
		t.Fatalf("plain attrs altered: %v", rec)
	}
}
