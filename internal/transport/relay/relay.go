// Package relay carries secure-channel frames over a Waku pubsub mesh for
// peers that cannot reach each other directly. The relay only moves opaque
// encrypted frames between named endpoints; it is never part of the trust
// boundary.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"seclink/go-node/internal/transport"
)

const (
	TransportMemory = "memory"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var statusPollInterval = 1 * time.Second

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableStore         bool          `yaml:"enableStore"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type Status struct {
	State     string
	PeerCount int
	LastSync  time.Time
}

// Frame is one relayed unit: an encrypted channel frame addressed from one
// endpoint name to another. The relay never sees plaintext.
type Frame struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Payload []byte `json:"payload"`
}

type backend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	NetworkMetrics() map[string]int
	ListenAddresses() []string
	Subscribe(endpoint string, handler func(Frame)) error
	Publish(ctx context.Context, f Frame) error
}

// Node manages relay connectivity and hands out Links bound to endpoint
// pairs. With the memory transport frames flow through an in-process bus,
// which is what tests and single-process setups use.
type Node struct {
	mu     sync.RWMutex
	cfg    Config
	status Status
	be     backend

	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
	transitions   int
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMemory,
		Port:                60000,
		EnableStore:         true,
		MinPeers:            1,
		ReconnectInterval:   time.Second,
		ReconnectBackoffMax: 30 * time.Second,
	}
}

func NewNode(cfg Config) *Node {
	cfg = normalizeConfig(cfg)
	return &Node{
		cfg:    cfg,
		status: Status{State: StateDisconnected},
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	return cfg
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.transitionLocked(StateConnecting)
	n.status.LastSync = time.Now()
	cfg := n.cfg
	n.mu.Unlock()

	if cfg.Transport == TransportGoWaku {
		be := newRelayBackend()
		if be == nil {
			n.setDisconnected()
			return errors.New("go-waku relay backend is not available in this build")
		}
		if err := be.Start(ctx, cfg); err != nil {
			n.setDisconnected()
			return err
		}
		peers := be.PeerCount()
		n.mu.Lock()
		n.be = be
		n.transitionLocked(stateFromPeerCount(peers, cfg))
		n.status.PeerCount = peers
		n.status.LastSync = time.Now()
		n.mu.Unlock()
		n.startMonitor()
		return nil
	}

	n.mu.Lock()
	n.transitionLocked(StateConnected)
	n.status.PeerCount = 1
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopMonitor()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.be != nil {
		n.be.Stop()
		n.be = nil
	}
	n.transitionLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.be != nil {
		s.PeerCount = n.be.PeerCount()
	}
	return s
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.be == nil {
		return nil
	}
	return append([]string(nil), n.be.ListenAddresses()...)
}

func (n *Node) NetworkMetrics() map[string]int {
	n.mu.RLock()
	transitions := n.transitions
	be := n.be
	n.mu.RUnlock()
	out := map[string]int{"relay_state_transitions": transitions}
	if be != nil {
		for k, v := range be.NetworkMetrics() {
			out[k] = v
		}
	}
	return out
}

// Bind returns a transport.Transport moving frames between the local and
// remote endpoint names. The node must be started; a Link on a stopped node
// fails on first use.
func (n *Node) Bind(local, remote string) (*Link, error) {
	n.mu.RLock()
	state := n.status.State
	be := n.be
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return nil, errors.New("relay is not connected")
	}
	if local == "" || remote == "" {
		return nil, errors.New("both endpoint names are required")
	}

	l := &Link{
		node:   n,
		be:     be,
		local:  local,
		remote: remote,
		frames: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	deliver := func(f Frame) {
		if f.From != remote {
			return
		}
		select {
		case l.frames <- f.Payload:
		case <-l.closed:
		default:
			// Receiver is not draining; the relay is best effort and the
			// channel's nonce discipline tolerates gaps.
		}
	}
	if be != nil {
		if err := be.Subscribe(local, deliver); err != nil {
			return nil, err
		}
	} else {
		globalFrameBus.subscribe(local, deliver)
	}
	return l, nil
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
}

func (n *Node) startMonitor() {
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.monitorCancel = cancel
	n.monitorWG.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.monitorWG.Done()
		ticker := time.NewTicker(statusPollInterval)
		defer ticker.Stop()
		n.refreshStatus()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.refreshStatus()
			}
		}
	}()
}

func (n *Node) stopMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}

func (n *Node) refreshStatus() {
	n.mu.RLock()
	be := n.be
	n.mu.RUnlock()
	if be == nil {
		return
	}
	peers := be.PeerCount()
	next := StateConnected
	if peers <= 0 {
		next = StateDegraded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if n.status.State != next || n.status.PeerCount != peers {
		n.transitionLocked(next)
		n.status.PeerCount = peers
		n.status.LastSync = time.Now()
	}
}

func (n *Node) transitionLocked(next string) {
	if next != "" && n.status.State != next {
		n.transitions++
		n.status.State = next
	}
}

func stateFromPeerCount(peers int, cfg Config) string {
	target := cfg.MinPeers
	if target <= 0 {
		target = 1
	}
	if len(cfg.BootstrapNodes) > 0 && target > len(cfg.BootstrapNodes) {
		target = len(cfg.BootstrapNodes)
	}
	if peers >= target {
		return StateConnected
	}
	return StateDegraded
}

// Link is one endpoint pair over the relay, usable directly as the transport
// under a secure channel handshake.
type Link struct {
	node   *Node
	be     backend
	local  string
	remote string

	frames    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Transport = (*Link)(nil)

func (l *Link) Send(ctx context.Context, frame []byte) error {
	if len(frame) > transport.MaxFrameSize {
		return transport.ErrFrameTooLarge
	}
	select {
	case <-l.closed:
		return transport.ErrClosed
	default:
	}
	f := Frame{
		ID:      newFrameID(),
		From:    l.local,
		To:      l.remote,
		Payload: append([]byte(nil), frame...),
	}
	if l.be != nil {
		if err := l.be.Publish(ctx, f); err != nil {
			return transport.ErrClosed
		}
		return nil
	}
	globalFrameBus.publish(f)
	return nil
}

func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-l.frames:
		return frame, nil
	default:
	}
	select {
	case frame := <-l.frames:
		return frame, nil
	case <-l.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, transport.ErrClosed
	}
}

func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.be == nil {
			globalFrameBus.unsubscribe(l.local)
		}
	})
	return nil
}
