//go:build real_waku

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	wakuRelay "github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"
)

const (
	framePubsubTopic  = "/waku/2/default-waku/proto"
	frameContentTopic = "/seclink/1/channel-frame/proto"
)

type wakuBackend struct {
	mu             sync.RWMutex
	node           *wakuNode.WakuNode
	cfg            Config
	bootstrapNodes []string
	handlers       map[string]func(Frame)
	subscribed     bool
	maintainCancel context.CancelFunc
	maintainWG     sync.WaitGroup
	metrics        wakuMetrics
}

type wakuMetrics struct {
	DialAttempts int
	DialSuccess  int
	DialFailures int
}

func newRelayBackend() backend {
	return &wakuBackend{handlers: make(map[string]func(Frame))}
}

func (w *wakuBackend) Start(ctx context.Context, cfg Config) error {
	bootstrap := validBootstrapAddrs(cfg.BootstrapNodes)

	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	opts := []wakuNode.WakuNodeOption{
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithWakuRelay(),
	}
	if cfg.EnableStore {
		provider, err := newInMemoryMessageProvider()
		if err != nil {
			return err
		}
		opts = append(opts, wakuNode.WithMessageProvider(provider), wakuNode.WithWakuStore())
	}

	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	for _, addr := range bootstrap {
		_ = node.DialPeer(ctx, addr)
	}

	w.mu.Lock()
	w.node = node
	w.cfg = cfg
	w.bootstrapNodes = bootstrap
	w.mu.Unlock()
	w.startPeerMaintenance()
	return nil
}

func (w *wakuBackend) Stop() {
	w.stopPeerMaintenance()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.node != nil {
		w.node.Stop()
		w.node = nil
	}
}

func (w *wakuBackend) PeerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.node == nil {
		return 0
	}
	return w.node.PeerCount()
}

func (w *wakuBackend) NetworkMetrics() map[string]int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return map[string]int{
		"dial_attempts": w.metrics.DialAttempts,
		"dial_success":  w.metrics.DialSuccess,
		"dial_failures": w.metrics.DialFailures,
	}
}

func (w *wakuBackend) ListenAddresses() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.node == nil {
		return nil
	}
	addrs := w.node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

// Subscribe registers an endpoint handler. The underlying pubsub topic is
// subscribed once; frames are demultiplexed by endpoint name locally.
func (w *wakuBackend) Subscribe(endpoint string, handler func(Frame)) error {
	w.mu.Lock()
	w.handlers[endpoint] = handler
	node := w.node
	needTopic := !w.subscribed
	w.subscribed = true
	w.mu.Unlock()

	if node == nil {
		return errors.New("relay backend is not started")
	}
	if !needTopic {
		return nil
	}

	filter := protocol.NewContentFilter(framePubsubTopic, frameContentTopic)
	subs, err := node.Relay().Subscribe(context.Background(), filter)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go func(subscription *wakuRelay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				var f Frame
				if err := json.Unmarshal(env.Message().Payload, &f); err != nil {
					continue
				}
				w.mu.RLock()
				h, ok := w.handlers[f.To]
				w.mu.RUnlock()
				if ok {
					h(f)
				}
			}
		}(sub)
	}
	return nil
}

func (w *wakuBackend) Publish(ctx context.Context, f Frame) error {
	w.mu.RLock()
	node := w.node
	w.mu.RUnlock()
	if node == nil {
		return errors.New("relay backend is not started")
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: frameContentTopic,
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, wakuRelay.WithPubSubTopic(framePubsubTopic))
	return err
}

func (w *wakuBackend) startPeerMaintenance() {
	w.mu.Lock()
	if w.maintainCancel != nil {
		w.maintainCancel()
		w.maintainCancel = nil
	}
	if len(w.bootstrapNodes) == 0 || w.node == nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.maintainCancel = cancel
	w.maintainWG.Add(1)
	cfg := w.cfg
	w.mu.Unlock()

	go func() {
		defer w.maintainWG.Done()
		ticker := time.NewTicker(cfg.ReconnectInterval)
		defer ticker.Stop()

		backoff := cfg.ReconnectInterval
		nextAttemptAt := time.Now()
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if time.Now().Before(nextAttemptAt) {
					continue
				}
				if !w.needMorePeers() {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}
				if w.redialBootstrapPeers(ctx, rnd) || !w.needMorePeers() {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}
				backoff *= 2
				if backoff > cfg.ReconnectBackoffMax {
					backoff = cfg.ReconnectBackoffMax
				}
				jitter := time.Duration(rnd.Int63n(int64(backoff / 2)))
				nextAttemptAt = time.Now().Add(backoff + jitter)
			}
		}
	}()
}

func (w *wakuBackend) stopPeerMaintenance() {
	w.mu.Lock()
	cancel := w.maintainCancel
	w.maintainCancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		w.maintainWG.Wait()
	}
}

func (w *wakuBackend) needMorePeers() bool {
	w.mu.RLock()
	node := w.node
	bootstrapCount := len(w.bootstrapNodes)
	target := w.cfg.MinPeers
	w.mu.RUnlock()
	if node == nil {
		return false
	}
	if target <= 0 {
		target = 1
	}
	if bootstrapCount > 0 && target > bootstrapCount {
		target = bootstrapCount
	}
	return node.PeerCount() < target
}

func (w *wakuBackend) redialBootstrapPeers(ctx context.Context, rnd *rand.Rand) bool {
	w.mu.RLock()
	node := w.node
	bootstrap := append([]string(nil), w.bootstrapNodes...)
	w.mu.RUnlock()
	if node == nil || len(bootstrap) == 0 {
		return false
	}

	rnd.Shuffle(len(bootstrap), func(i, j int) {
		bootstrap[i], bootstrap[j] = bootstrap[j], bootstrap[i]
	})

	success := false
	for i, addr := range bootstrap {
		w.recordDialAttempt()
		if err := node.DialPeer(ctx, addr); err == nil {
			w.recordDialSuccess()
			success = true
			slog.Info("relay peer redial succeeded", "peer_addr", addr, "attempt", i+1)
		} else {
			w.recordDialFailure()
			slog.Warn("relay peer redial failed", "peer_addr", addr, "attempt", i+1, "reason", err.Error())
		}
	}
	return success
}

func (w *wakuBackend) recordDialAttempt() {
	w.mu.Lock()
	w.metrics.DialAttempts++
	w.mu.Unlock()
}

func (w *wakuBackend) recordDialSuccess() {
	w.mu.Lock()
	w.metrics.DialSuccess++
	w.mu.Unlock()
}

func (w *wakuBackend) recordDialFailure() {
	w.mu.Lock()
	w.metrics.DialFailures++
	w.mu.Unlock()
}

// validBootstrapAddrs keeps only syntactically valid multiaddrs so one typo
// in config does not poison the redial loop forever.
func validBootstrapAddrs(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, err := ma.NewMultiaddr(addr); err != nil {
			slog.Warn("ignoring invalid relay bootstrap address", "reason", err.Error())
			continue
		}
		out = append(out, addr)
	}
	return out
}

func newInMemoryMessageProvider() (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	return persistence.NewDBStore(
		prometheus.DefaultRegisterer,
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
}
