package node

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"seclink/go-node/internal/config"
	"seclink/go-node/internal/credential"
	"seclink/go-node/internal/identity"
	"seclink/go-node/internal/transport/relay"
	"seclink/go-node/internal/vault"
)

func TestIdentityPersistsAcrossRestarts(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	v1 := vault.NewSoftwareVault()
	first, err := buildIdentity(cfg, "correct horse", v1)
	if err != nil {
		t.Fatalf("first boot: %v", err)
	}
	v2 := vault.NewSoftwareVault()
	second, err := buildIdentity(cfg, "correct horse", v2)
	if err != nil {
		t.Fatalf("second boot: %v", err)
	}
	if first.Identifier() != second.Identifier() {
		t.Fatalf("identifier changed across restarts: %q vs %q",
			first.Identifier(), second.Identifier())
	}

	// Wrong passphrase must fail, not mint a new identity over the old seed.
	v3 := vault.NewSoftwareVault()
	if _, err := buildIdentity(cfg, "wrong", v3); err == nil {
		t.Fatal("wrong passphrase should fail")
	}
}

func TestEphemeralIdentityWithoutPassphrase(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	v := vault.NewSoftwareVault()
	local, err := buildIdentity(cfg, "", v)
	if err != nil {
		t.Fatalf("ephemeral boot: %v", err)
	}
	if local.Identifier() == "" {
		t.Fatal("no identifier")
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, seedFileName)); !os.IsNotExist(err) {
		t.Fatal("ephemeral identity must not persist a seed")
	}
}

func TestRunWithoutListenersFails(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	n, err := New(cfg, "", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := n.Run(context.Background()); err != ErrNoListeners {
		t.Fatalf("expected ErrNoListeners, got %v", err)
	}
}

// Full daemon-to-daemon scenario: an outlet node trusting an authority, an
// inlet node holding a credential from that authority, traffic flowing
// end to end.
func TestTwoNodeForwarding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Protected service.
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	defer echo.Close()
	go func() {
		for {
			conn, err := echo.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) { defer c.Close(); _, _ = io.Copy(c, c) }(conn)
		}
	}()

	// Authority and its history file.
	authVault := vault.NewSoftwareVault()
	authority, err := identity.Create(authVault)
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	authorityFile := filepath.Join(t.TempDir(), "authority.json")
	writeJSON(t, authorityFile, authority.History())

	// Outlet node.
	outletCfg := config.Default()
	outletCfg.DataDir = t.TempDir()
	outletCfg.AuthorityFiles = []string{authorityFile}
	outletCfg.Outlets = []config.Outlet{{
		Listen: "127.0.0.1:0",
		Target: echo.Addr().String(),
		Policy: map[string]string{"role": "admin"},
	}}
	outletNode, err := New(outletCfg, "", nil)
	if err != nil {
		t.Fatalf("outlet node: %v", err)
	}
	go func() { _ = outletNode.Run(ctx) }()
	outletAddr := outletNode.outletListeners[0].Addr().String()

	// Inlet node: a persistent identity so the credential issued against its
	// identifier survives the rebuild with the credential file wired in.
	inletCfg := config.Default()
	inletCfg.DataDir = t.TempDir()
	probe, err := New(inletCfg, "inlet pass", nil)
	if err != nil {
		t.Fatalf("inlet node probe: %v", err)
	}
	now := time.Now()
	cred, err := credential.Issue(authority, probe.Identifier(),
		map[string]string{"role": "admin"}, now.Add(-time.Minute), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	credFile := filepath.Join(t.TempDir(), "cred.json")
	writeJSON(t, credFile, cred)
	inletCfg.CredentialFile = credFile
	inletCfg.Inlets = []config.Inlet{{Listen: "127.0.0.1:0", Peer: outletAddr}}

	inletNode, err := New(inletCfg, "inlet pass", nil)
	if err != nil {
		t.Fatalf("inlet node: %v", err)
	}
	if inletNode.Identifier() != probe.Identifier() {
		t.Fatal("seed persistence should keep the identifier stable")
	}
	go func() { _ = inletNode.Run(ctx) }()

	inletAddr := inletNode.inlets[0].Addr().String()
	conn, err := net.Dial("tcp", inletAddr)
	if err != nil {
		t.Fatalf("dial inlet: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte("hello service\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "hello service\n" {
		t.Fatalf("got %q", line)
	}
}

// Relay-addressed wiring: the outlet serves over a relay endpoint pair and
// the inlet dials through the relay; no direct TCP path exists between the
// two nodes.
func TestRelayForwarding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	defer echo.Close()
	go func() {
		for {
			conn, err := echo.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) { defer c.Close(); _, _ = io.Copy(c, c) }(conn)
		}
	}()

	outletCfg := config.Default()
	outletCfg.DataDir = t.TempDir()
	outletCfg.Outlets = []config.Outlet{{
		Target:     echo.Addr().String(),
		RelayLocal: "node-svc",
		RelayPeer:  "node-cli",
	}}
	outletNode, err := New(outletCfg, "", nil)
	if err != nil {
		t.Fatalf("outlet node: %v", err)
	}
	go func() { _ = outletNode.Run(ctx) }()

	inletCfg := config.Default()
	inletCfg.DataDir = t.TempDir()
	inletCfg.Inlets = []config.Inlet{{
		Listen:     "127.0.0.1:0",
		RelayLocal: "node-cli",
		RelayPeer:  "node-svc",
	}}
	inletNode, err := New(inletCfg, "", nil)
	if err != nil {
		t.Fatalf("inlet node: %v", err)
	}
	go func() { _ = inletNode.Run(ctx) }()

	waitRelayConnected(t, outletNode)
	waitRelayConnected(t, inletNode)

	conn, err := net.Dial("tcp", inletNode.inlets[0].Addr().String())
	if err != nil {
		t.Fatalf("dial inlet: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := conn.Write([]byte("over the relay\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "over the relay\n" {
		t.Fatalf("got %q", line)
	}
}

func waitRelayConnected(t *testing.T, n *Node) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for n.Relay().Status().State != relay.StateConnected {
		if time.Now().After(deadline) {
			t.Fatal("relay never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
