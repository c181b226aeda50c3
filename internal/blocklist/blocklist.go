// Package blocklist is a short-lived deny list for peers that committed
// a protocol violation; such peers are not retried (§4.D failure
// semantics: "protocol violations ... close the peer and the peer is
// added to a short-lived deny list").
package blocklist

import (
	"net"
	"sync"
	"time"
)

// DefaultTTL is how long a blocked IP is denied before being eligible
// for reconnection again.
const DefaultTTL = 10 * time.Minute

// Blocklist tracks blocked IP addresses with an expiry.
type Blocklist struct {
	mu      sync.RWMutex
	blocked map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// New returns an empty Blocklist using DefaultTTL.
func New() *Blocklist {
	return &Blocklist{
		blocked: make(map[string]time.Time),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
}

// Block denies ip for the blocklist's TTL.
func (b *Blocklist) Block(ip net.IP) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[ip.String()] = b.now().Add(b.ttl)
}

// Blocked reports whether ip is currently denied, lazily expiring stale
// entries as they are checked.
func (b *Blocklist) Blocked(ip net.IP) bool {
	b.mu.RLock()
	exp, ok := b.blocked[ip.String()]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if b.now().After(exp) {
		b.mu.Lock()
		delete(b.blocked, ip.String())
		b.mu.Unlock()
		return false
	}
	return true
}

// Len returns the number of currently tracked (not necessarily still
// valid) entries.
func (b *Blocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blocked)
}
