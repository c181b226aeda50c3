// Package addrlist keeps the queue of discovered-but-not-yet-dialed peer
// addresses for one torrent, tagged by discovery source, deduplicating
// on insert (§4.C peer aggregation, §4.D).
package addrlist

import "net"

// PeerSource identifies where an address was discovered.
type PeerSource int

const (
	Tracker PeerSource = iota
	DHT
	PEX
	Manual
	IncomingConnection
)

func (s PeerSource) String() string {
	switch s {
	case Tracker:
		return "tracker"
	case DHT:
		return "dht"
	case PEX:
		return "pex"
	case Manual:
		return "manual"
	case IncomingConnection:
		return "incoming"
	default:
		return "unknown"
	}
}

// AddrList is a FIFO queue of addresses not yet dialed, deduplicated by
// "ip:port" across all sources.
type AddrList struct {
	queue []*net.TCPAddr
	seen  map[string]PeerSource
	max   int
}

// New returns an AddrList that holds at most max pending addresses.
func New(max int) *AddrList {
	return &AddrList{
		seen: make(map[string]PeerSource),
		max:  max,
	}
}

// Push inserts addrs discovered via source, silently dropping duplicates
// already known from any source.
func (l *AddrList) Push(addrs []*net.TCPAddr, source PeerSource) int {
	var added int
	for _, a := range addrs {
		key := a.String()
		if _, ok := l.seen[key]; ok {
			continue
		}
		if l.max > 0 && len(l.queue) >= l.max {
			break
		}
		l.seen[key] = source
		l.queue = append(l.queue, a)
		added++
	}
	return added
}

// Pop removes and returns the next address to dial, or nil if empty.
func (l *AddrList) Pop() *net.TCPAddr {
	if len(l.queue) == 0 {
		return nil
	}
	a := l.queue[0]
	l.queue = l.queue[1:]
	return a
}

// Len reports how many addresses are queued.
func (l *AddrList) Len() int { return len(l.queue) }

// Reset drops all queued and seen addresses, used after a torrent
// completes and no longer needs more peers.
func (l *AddrList) Reset() {
	l.queue = nil
	l.seen = make(map[string]PeerSource)
}
