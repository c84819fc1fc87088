// Package node composes a running seclink node from configuration: vault and
// identity, the trust context, outlet listeners, inlets and the relay.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"seclink/go-node/internal/channel"
	"seclink/go-node/internal/config"
	"seclink/go-node/internal/credential"
	"seclink/go-node/internal/forwarder"
	"seclink/go-node/internal/identity"
	"seclink/go-node/internal/policy"
	"seclink/go-node/internal/securestore"
	"seclink/go-node/internal/transport/relay"
	"seclink/go-node/internal/trust"
	"seclink/go-node/internal/vault"
)

const seedFileName = "seed.enc"

var ErrNoListeners = errors.New("node has no outlets or inlets configured")

// Node is one assembled daemon instance.
type Node struct {
	cfg   config.Config
	log   *slog.Logger
	vault *vault.SoftwareVault
	local *identity.LocalIdentity
	trust *trust.Context
	cred  *credential.Credential
	relay *relay.Node

	outletListeners []*channel.Listener
	relayOutlets    []relayOutlet
	inlets          []*forwarder.Inlet
	relayWired      bool
}

// relayOutlet is an outlet served over a relay endpoint pair instead of a TCP
// channel listener.
type relayOutlet struct {
	outlet *forwarder.Outlet
	local  string
	remote string
}

// New builds the node. With a passphrase the identity seed is persisted
// encrypted under the data directory, so the node keeps its identifier across
// restarts; without one the identity is ephemeral.
func New(cfg config.Config, passphrase string, log *slog.Logger) (*Node, error) {
	if log == nil {
		log = slog.Default()
	}

	v := vault.NewSoftwareVault()
	local, err := buildIdentity(cfg, passphrase, v)
	if err != nil {
		return nil, fmt.Errorf("identity bootstrap: %w", err)
	}
	tc := trust.NewContext(v, local)

	for _, path := range cfg.AuthorityFiles {
		id, err := addAuthorityFromFile(tc, path)
		if err != nil {
			return nil, fmt.Errorf("authority %s: %w", path, err)
		}
		log.Info("trusted authority loaded", "authority", string(id))
	}

	var cred *credential.Credential
	if cfg.CredentialFile != "" {
		cred, err = loadCredentialFile(cfg.CredentialFile)
		if err != nil {
			return nil, fmt.Errorf("credential %s: %w", cfg.CredentialFile, err)
		}
		if cred.Subject != local.Identifier() {
			return nil, fmt.Errorf("credential %s names a different subject", cfg.CredentialFile)
		}
	}

	n := &Node{
		cfg:   cfg,
		log:   log,
		vault: v,
		local: local,
		trust: tc,
		cred:  cred,
		relay: relay.NewNode(cfg.Relay),
	}

	for _, oc := range cfg.Outlets {
		outlet := &forwarder.Outlet{
			TargetAddress: oc.Target,
			TrustCtx:      tc,
			Policy:        outletPolicy(oc.Policy),
			Log:           log,
		}
		if oc.RelayLocal != "" || oc.RelayPeer != "" {
			if oc.RelayLocal == "" || oc.RelayPeer == "" {
				n.closeListeners()
				return nil, fmt.Errorf("outlet %s: relay wiring needs both endpoint names", oc.Target)
			}
			n.relayOutlets = append(n.relayOutlets, relayOutlet{
				outlet: outlet,
				local:  oc.RelayLocal,
				remote: oc.RelayPeer,
			})
			n.relayWired = true
			continue
		}
		listen := oc.Listen
		if listen == "" {
			listen = cfg.ListenAddress
		}
		ln, err := channel.Listen(listen, tc, channel.ListenerConfig{
			Channel:             cfg.Channel,
			HandshakesPerSecond: cfg.HandshakesPerSecond,
			HandshakeBurst:      cfg.HandshakeBurst,
		}, outlet.HandleChannel, log)
		if err != nil {
			n.closeListeners()
			return nil, fmt.Errorf("outlet %s: %w", listen, err)
		}
		n.outletListeners = append(n.outletListeners, ln)
	}

	for _, ic := range cfg.Inlets {
		inlet := &forwarder.Inlet{
			ListenAddress: ic.Listen,
			PeerAddress:   ic.Peer,
			TrustCtx:      tc,
			Channel:       cfg.Channel,
			Credential:    cred,
			Log:           log,
		}
		if ic.RelayPeer != "" {
			if ic.RelayLocal == "" {
				n.closeListeners()
				return nil, fmt.Errorf("inlet %s: relay wiring needs both endpoint names", ic.Listen)
			}
			inlet.DialChannel = n.dialRelayChannel(ic.RelayLocal, ic.RelayPeer)
			n.relayWired = true
		}
		if err := inlet.Listen(); err != nil {
			n.closeListeners()
			return nil, fmt.Errorf("inlet %s: %w", ic.Listen, err)
		}
		n.inlets = append(n.inlets, inlet)
	}

	return n, nil
}

func (n *Node) Identifier() identity.Identifier { return n.local.Identifier() }

func (n *Node) TrustContext() *trust.Context { return n.trust }

func (n *Node) Relay() *relay.Node { return n.relay }

// Run serves all configured outlets and inlets until ctx is canceled.
func (n *Node) Run(ctx context.Context) error {
	if len(n.outletListeners) == 0 && len(n.inlets) == 0 && len(n.relayOutlets) == 0 {
		return ErrNoListeners
	}

	if err := n.relay.Start(ctx); err != nil {
		if n.relayWired {
			return fmt.Errorf("relay start: %w", err)
		}
		n.log.Warn("relay unavailable, direct transports only", "reason", err.Error())
	}
	defer func() { _ = n.relay.Stop(context.Background()) }()

	n.log.Info("node running",
		"identifier", string(n.local.Identifier()),
		"outlets", len(n.outletListeners)+len(n.relayOutlets),
		"inlets", len(n.inlets),
	)

	errCh := make(chan error, len(n.outletListeners)+len(n.relayOutlets)+len(n.inlets))
	for _, ln := range n.outletListeners {
		go func(l *channel.Listener) { errCh <- l.Serve(ctx) }(ln)
	}
	for _, ro := range n.relayOutlets {
		go func(ro relayOutlet) { errCh <- n.serveRelayOutlet(ctx, ro) }(ro)
	}
	for _, in := range n.inlets {
		go func(i *forwarder.Inlet) { errCh <- i.Serve(ctx) }(in)
	}

	select {
	case <-ctx.Done():
		n.closeListeners()
		return nil
	case err := <-errCh:
		n.closeListeners()
		return err
	}
}

// serveRelayOutlet accepts channels over a relay endpoint pair, one tunnel at
// a time: each served channel closes its link, so the loop rebinds for the
// next session. Handshake timeouts just rebind and keep waiting.
func (n *Node) serveRelayOutlet(ctx context.Context, ro relayOutlet) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		link, err := n.relay.Bind(ro.local, ro.remote)
		if err != nil {
			return fmt.Errorf("relay outlet %s: %w", ro.local, err)
		}
		hsCtx, cancel := context.WithTimeout(ctx, channel.HandshakeTimeout)
		ch, err := channel.Respond(hsCtx, link, n.trust, n.cfg.Channel)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		ro.outlet.HandleChannel(ctx, ch)
	}
}

// dialRelayChannel returns the inlet dial hook for a relay-addressed outlet.
func (n *Node) dialRelayChannel(local, remote string) func(context.Context) (*channel.Channel, error) {
	return func(ctx context.Context) (*channel.Channel, error) {
		link, err := n.relay.Bind(local, remote)
		if err != nil {
			return nil, err
		}
		hsCtx, cancel := context.WithTimeout(ctx, channel.HandshakeTimeout)
		defer cancel()
		return channel.Initiate(hsCtx, link, n.trust, n.cfg.Channel)
	}
}

func (n *Node) closeListeners() {
	for _, ln := range n.outletListeners {
		_ = ln.Close()
	}
	for _, in := range n.inlets {
		_ = in.Close()
	}
}

// buildIdentity restores the persisted seed when a passphrase is given,
// creating and persisting a fresh one on first run.
func buildIdentity(cfg config.Config, passphrase string, v *vault.SoftwareVault) (*identity.LocalIdentity, error) {
	if passphrase == "" {
		return identity.Create(v)
	}

	seedPath := filepath.Join(cfg.DataDir, seedFileName)
	sm := vault.NewSeedManager()

	var mnemonic string
	switch err := securestore.ReadDecryptedJSON(seedPath, passphrase, &mnemonic); {
	case err == nil:
		_, seeds, err := sm.Import(mnemonic, passphrase)
		if err != nil {
			return nil, fmt.Errorf("persisted seed is unusable: %w", err)
		}
		return identity.CreateFromSeed(v, seeds.IdentitySigningSeed)
	case !os.IsNotExist(err):
		return nil, err
	}

	mnemonic, seeds, err := sm.Create(passphrase)
	if err != nil {
		return nil, err
	}
	if err := securestore.WriteEncryptedJSON(seedPath, passphrase, mnemonic); err != nil {
		return nil, err
	}
	return identity.CreateFromSeed(v, seeds.IdentitySigningSeed)
}

func addAuthorityFromFile(tc *trust.Context, path string) (identity.Identifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var h identity.History
	if err := json.Unmarshal(data, &h); err != nil {
		return "", err
	}
	return tc.AddAuthority(h)
}

func loadCredentialFile(path string) (*credential.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cred credential.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

func outletPolicy(attrs map[string]string) policy.Expr {
	if len(attrs) == 0 {
		return nil
	}
	return policy.AllOf(attrs)
}
