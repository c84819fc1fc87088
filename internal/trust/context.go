// Package trust holds the explicit trust configuration for a node: the local
// identity and the set of trusted authority identities. A Context value is
// passed into every verification call; there is no process-wide trust state.
package trust

import (
	"errors"
	"sync"

	"seclink/go-node/internal/identity"
	"seclink/go-node/internal/vault"
)

var ErrAuthorityInvalid = errors.New("authority history does not verify")

// Context wires the local identity, the vault and the trusted authority set
// together. Authority histories are read-mostly and snapshotted per lookup so
// a concurrent update is never observed half-applied.
type Context struct {
	mu          sync.RWMutex
	vault       vault.Vault
	local       *identity.LocalIdentity
	authorities map[identity.Identifier]identity.History
}

func NewContext(v vault.Vault, local *identity.LocalIdentity) *Context {
	return &Context{
		vault:       v,
		local:       local,
		authorities: make(map[identity.Identifier]identity.History),
	}
}

func (c *Context) Vault() vault.Vault { return c.vault }

func (c *Context) Local() *identity.LocalIdentity { return c.local }

// AddAuthority verifies and registers an authority history. Credentials
// issued by this authority become acceptable on every channel using this
// context.
func (c *Context) AddAuthority(h identity.History) (identity.Identifier, error) {
	id, err := identity.Verify(h)
	if err != nil {
		return "", ErrAuthorityInvalid
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authorities[id] = h.Clone()
	return id, nil
}

func (c *Context) RemoveAuthority(id identity.Identifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.authorities, id)
}

// IssuerHistory implements credential.TrustedIssuers. The returned history is
// a copy; callers can verify it without racing authority updates.
func (c *Context) IssuerHistory(id identity.Identifier) (identity.History, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.authorities[id]
	if !ok {
		return identity.History{}, false
	}
	return h.Clone(), true
}

// Authorities lists the currently trusted authority identifiers.
func (c *Context) Authorities() []identity.Identifier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]identity.Identifier, 0, len(c.authorities))
	for id := range c.authorities {
		out = append(out, id)
	}
	return out
}
