// Package outgoinghandshaker runs the dial-side BEP-3/10/52 handshake
// for one discovered peer address as its own short-lived goroutine.
package outgoinghandshaker

import (
	"net"
	"time"

	"github.com/cenkalti/rain/internal/btconn"
)

// OutgoingHandshake runs the dial-side handshake for one peer address.
type OutgoingHandshake struct {
	Addr       *net.TCPAddr
	Conn       net.Conn
	PeerID     [20]byte
	Extensions [8]byte
	Error      error

	closeC chan struct{}
}

// New returns a handshaker that will dial addr when Run is called.
func New(addr *net.TCPAddr) *OutgoingHandshake {
	return &OutgoingHandshake{Addr: addr, closeC: make(chan struct{})}
}

// Close aborts the dial/handshake in progress, if any.
func (h *OutgoingHandshake) Close() {
	select {
	case <-h.closeC:
	default:
		close(h.closeC)
		if h.Conn != nil {
			h.Conn.Close()
		}
	}
}

// Run dials h.Addr, performs the outgoing handshake for infoHash and
// publishes the result on resultC.
func (h *OutgoingHandshake) Run(connectTimeout, handshakeTimeout time.Duration, peerID, infoHash [20]byte, resultC chan *OutgoingHandshake, ext btconn.Extensions) {
	res, err := btconn.Dial(h.Addr, connectTimeout, handshakeTimeout, peerID, infoHash, ext)
	if err != nil {
		h.Error = err
		resultC <- h
		return
	}
	h.Conn = res.Conn
	h.PeerID = res.PeerID
	h.Extensions = res.Extensions
	resultC <- h
}
