// credential-localgen creates a local authority identity and issues a signed
// credential file for a subject, for development and small deployments where
// no external authority service exists.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"seclink/go-node/internal/credential"
	"seclink/go-node/internal/identity"
	"seclink/go-node/internal/vault"
)

func main() {
	var (
		outDir        = flag.String("out-dir", "", "output directory")
		subject       = flag.String("subject", "", "subject identifier (sid1...)")
		attrsCSV      = flag.String("attrs", "", "comma-separated key=value attributes")
		validFor      = flag.Duration("valid-for", 24*time.Hour, "credential validity duration")
		authoritySeed = flag.String("authority-seed", "", "path to an existing authority seed file (optional)")
	)
	flag.Parse()

	if strings.TrimSpace(*outDir) == "" {
		fail("out-dir is required")
	}
	if strings.TrimSpace(*subject) == "" {
		fail("subject is required")
	}
	attrs := parseAttrs(*attrsCSV)
	if len(attrs) == 0 {
		fail("attrs is required, e.g. -attrs role=admin")
	}
	if *validFor <= 0 {
		fail("valid-for must be > 0")
	}

	seed, fresh, err := loadOrCreateSeed(*authoritySeed)
	if err != nil {
		failf("authority seed: %v", err)
	}

	v := vault.NewSoftwareVault()
	authority, err := identity.CreateFromSeed(v, seed)
	if err != nil {
		failf("create authority identity: %v", err)
	}

	now := time.Now().UTC()
	cred, err := credential.Issue(authority, identity.Identifier(*subject), attrs,
		now.Add(-5*time.Minute), now.Add(*validFor))
	if err != nil {
		failf("issue credential: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		failf("create out dir: %v", err)
	}
	authorityPath := filepath.Join(*outDir, "authority.json")
	credentialPath := filepath.Join(*outDir, "credential.json")
	writeJSON(authorityPath, authority.History())
	writeJSON(credentialPath, cred)

	fmt.Println("Generated credential bundle:")
	fmt.Printf("  authority:  %s (%s)\n", authorityPath, authority.Identifier())
	fmt.Printf("  credential: %s\n", credentialPath)
	if fresh {
		seedPath := filepath.Join(*outDir, "authority_seed.b64")
		writeSecret(seedPath, base64.StdEncoding.EncodeToString(seed))
		fmt.Printf("  seed:       %s (keep private)\n", seedPath)
	}
}

func loadOrCreateSeed(path string) (seed []byte, fresh bool, err error) {
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, false, err
		}
		seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, false, err
		}
		if len(seed) != 32 {
			return nil, false, fmt.Errorf("seed must be 32 bytes, got %d", len(seed))
		}
		return seed, false, nil
	}
	seed = make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, false, err
	}
	return seed, true, nil
}

func parseAttrs(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			failf("invalid attribute %q, expected key=value", pair)
		}
		out[key] = value
	}
	return out
}

func writeJSON(path string, value any) {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		failf("marshal json %s: %v", path, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		failf("write file %s: %v", path, err)
	}
}

func writeSecret(path, value string) {
	if err := os.WriteFile(path, []byte(value+"\n"), 0o600); err != nil {
		failf("write file %s: %v", path, err)
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func failf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
