package relay

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// frameBus is the in-process fallback for the memory transport: frames
// addressed to an endpoint with no subscriber yet wait in a mailbox and are
// flushed in order on subscription.
type frameBus struct {
	mu          sync.Mutex
	subscribers map[string]func(Frame)
	mailbox     map[string][]Frame
}

var globalFrameBus = &frameBus{
	subscribers: make(map[string]func(Frame)),
	mailbox:     make(map[string][]Frame),
}

func (b *frameBus) publish(f Frame) {
	b.mu.Lock()
	handler, ok := b.subscribers[f.To]
	if !ok {
		b.mailbox[f.To] = append(b.mailbox[f.To], f)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	// Delivery outside the lock, synchronously: frame order is what makes
	// the channel's rekey switch point unambiguous.
	handler(f)
}

func (b *frameBus) subscribe(endpoint string, handler func(Frame)) {
	b.mu.Lock()
	b.subscribers[endpoint] = handler
	pending := b.mailbox[endpoint]
	delete(b.mailbox, endpoint)
	b.mu.Unlock()

	for _, f := range pending {
		handler(f)
	}
}

func (b *frameBus) unsubscribe(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, endpoint)
}

func newFrameID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "frame"
	}
	return hex.EncodeToString(buf)
}
