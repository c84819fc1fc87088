// Package config loads the node configuration: defaults, then the YAML file,
// then environment overrides, each layer only touching what it sets.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"seclink/go-node/internal/channel"
	"seclink/go-node/internal/transport/relay"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration.
type Config struct {
	DataDir        string
	ListenAddress  string
	AuthorityFiles []string
	CredentialFile string

	HandshakesPerSecond float64
	HandshakeBurst      int

	Channel channel.Config
	Relay   relay.Config

	Inlets  []Inlet
	Outlets []Outlet
}

// Inlet forwards a local TCP listen address through a secure channel to a
// peer node's outlet. The peer is reached either directly over TCP (Peer) or
// through the relay (RelayLocal/RelayPeer endpoint names); a relay pair
// carries one tunnel at a time.
type Inlet struct {
	Listen     string `yaml:"listen"`
	Peer       string `yaml:"peer"`
	RelayLocal string `yaml:"relayLocal"`
	RelayPeer  string `yaml:"relayPeer"`
}

// Outlet exposes a target TCP address to authorized peers, on its own channel
// listener (Listen) or over the relay (RelayLocal/RelayPeer). Policy is a
// conjunction over credential attributes; an empty policy admits any
// authenticated peer.
type Outlet struct {
	Listen     string            `yaml:"listen"`
	Target     string            `yaml:"target"`
	RelayLocal string            `yaml:"relayLocal"`
	RelayPeer  string            `yaml:"relayPeer"`
	Policy     map[string]string `yaml:"policy"`
}

// fileConfig is the YAML shape. Scalars that must distinguish "absent" from
// zero are pointers, following the merge-only-what-is-set rule.
type fileConfig struct {
	Node struct {
		DataDir             string   `yaml:"dataDir"`
		ListenAddress       string   `yaml:"listenAddress"`
		AuthorityFiles      []string `yaml:"authorityFiles"`
		CredentialFile      string   `yaml:"credentialFile"`
		HandshakesPerSecond *float64 `yaml:"handshakesPerSecond"`
		HandshakeBurst      *int     `yaml:"handshakeBurst"`
	} `yaml:"node"`
	Channel struct {
		RekeyAfterFrames *uint64        `yaml:"rekeyAfterFrames"`
		RekeyAfterAge    *time.Duration `yaml:"rekeyAfterAge"`
	} `yaml:"channel"`
	Relay struct {
		Transport           string        `yaml:"transport"`
		Port                int           `yaml:"port"`
		EnableStore         *bool         `yaml:"enableStore"`
		BootstrapNodes      []string      `yaml:"bootstrapNodes"`
		MinPeers            int           `yaml:"minPeers"`
		ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
		ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	} `yaml:"relay"`
	Inlets  []Inlet  `yaml:"inlets"`
	Outlets []Outlet `yaml:"outlets"`
}

func Default() Config {
	return Config{
		DataDir:             "data",
		ListenAddress:       "127.0.0.1:14000",
		HandshakesPerSecond: 5,
		HandshakeBurst:      10,
		Channel: channel.Config{
			RekeyAfterFrames: 10000,
			RekeyAfterAge:    time.Hour,
		},
		Relay: relay.DefaultConfig(),
	}
}

// LoadFromPath resolves the configuration from the given file, falling back
// to the default search paths when path is empty. A missing or unparsable
// file leaves the defaults in place; env overrides always apply last.
func LoadFromPath(path string) Config {
	cfg := Default()

	candidates := []string{path}
	if path == "" {
		candidates = []string{"configs/seclink.yaml", "seclink.yaml"}
	}
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			slog.Warn("config file is not valid yaml, keeping defaults",
				"path", candidate,
				"reason", err.Error(),
			)
			continue
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src fileConfig) {
	if src.Node.DataDir != "" {
		dst.DataDir = src.Node.DataDir
	}
	if src.Node.ListenAddress != "" {
		dst.ListenAddress = src.Node.ListenAddress
	}
	if src.Node.AuthorityFiles != nil {
		dst.AuthorityFiles = src.Node.AuthorityFiles
	}
	if src.Node.CredentialFile != "" {
		dst.CredentialFile = src.Node.CredentialFile
	}
	if src.Node.HandshakesPerSecond != nil {
		dst.HandshakesPerSecond = *src.Node.HandshakesPerSecond
	}
	if src.Node.HandshakeBurst != nil {
		dst.HandshakeBurst = *src.Node.HandshakeBurst
	}
	if src.Channel.RekeyAfterFrames != nil {
		dst.Channel.RekeyAfterFrames = *src.Channel.RekeyAfterFrames
	}
	if src.Channel.RekeyAfterAge != nil {
		dst.Channel.RekeyAfterAge = *src.Channel.RekeyAfterAge
	}
	if src.Relay.Transport != "" {
		dst.Relay.Transport = src.Relay.Transport
	}
	if src.Relay.Port != 0 {
		dst.Relay.Port = src.Relay.Port
	}
	if src.Relay.EnableStore != nil {
		dst.Relay.EnableStore = *src.Relay.EnableStore
	}
	if src.Relay.BootstrapNodes != nil {
		dst.Relay.BootstrapNodes = src.Relay.BootstrapNodes
	}
	if src.Relay.MinPeers != 0 {
		dst.Relay.MinPeers = src.Relay.MinPeers
	}
	if src.Relay.ReconnectInterval != 0 {
		dst.Relay.ReconnectInterval = src.Relay.ReconnectInterval
	}
	if src.Relay.ReconnectBackoffMax != 0 {
		dst.Relay.ReconnectBackoffMax = src.Relay.ReconnectBackoffMax
	}
	if src.Inlets != nil {
		dst.Inlets = src.Inlets
	}
	if src.Outlets != nil {
		dst.Outlets = src.Outlets
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SECLINK_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("SECLINK_LISTEN_ADDRESS")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("SECLINK_RELAY_TRANSPORT")); v != "" {
		cfg.Relay.Transport = v
	}
	if v := strings.TrimSpace(os.Getenv("SECLINK_REKEY_AFTER_FRAMES")); v != "" {
		if frames, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Channel.RekeyAfterFrames = frames
		}
	}
}
