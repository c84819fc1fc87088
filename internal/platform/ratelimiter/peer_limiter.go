// Package ratelimiter bounds how often an unauthenticated peer may start
// expensive work, primarily handshake attempts per remote address.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PeerLimiter keeps one token bucket per peer key and evicts buckets for
// peers that have gone quiet. A nil PeerLimiter allows everything, so callers
// can hold one unconditionally.
type PeerLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	peers  map[string]*peerBucket
	checks uint64
}

type peerBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// New returns a limiter allowing rps sustained attempts with the given
// burst per peer, or nil (unlimited) when the parameters disable limiting.
func New(rps float64, burst int, idleTTL time.Duration) *PeerLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &PeerLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		peers:   make(map[string]*peerBucket),
	}
}

// Allow consumes one token for the peer at now. Empty keys are not limited;
// the caller has nothing to key on.
func (l *PeerLimiter) Allow(peer string, now time.Time) bool {
	if l == nil {
		return true
	}
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.peers[peer]
	if !ok {
		b = &peerBucket{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.peers[peer] = b
	}
	b.lastSeen = now
	allowed := b.bucket.AllowN(now, 1)

	l.checks++
	if l.checks%256 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.peers {
			if v.lastSeen.Before(cutoff) {
				delete(l.peers, k)
			}
		}
	}

	return allowed
}
