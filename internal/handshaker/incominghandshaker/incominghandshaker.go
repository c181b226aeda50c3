// Package incominghandshaker runs the accept-side BEP-3/10/52 handshake
// for one just-accepted TCP connection as its own short-lived goroutine,
// so the torrent's main loop is never blocked on handshake I/O.
package incominghandshaker

import (
	"net"
	"time"

	"github.com/cenkalti/rain/internal/btconn"
)

// IncomingHandshake runs the accept-side handshake for one connection.
type IncomingHandshake struct {
	Conn       net.Conn
	PeerID     [20]byte
	Extensions [8]byte
	Error      error

	closeC chan struct{}
}

// New returns a handshaker for the already-accepted conn.
func New(conn net.Conn) *IncomingHandshake {
	return &IncomingHandshake{Conn: conn, closeC: make(chan struct{})}
}

// Close aborts the handshake in progress, if any, by closing the
// underlying socket.
func (h *IncomingHandshake) Close() {
	select {
	case <-h.closeC:
	default:
		close(h.closeC)
		h.Conn.Close()
	}
}

// Run performs the handshake and publishes the result on resultC.
// checkInfoHash is the only callback here (no MSE obfuscation
// is implemented, so there is only one way to learn the remote's
// declared info-hash: the plaintext handshake itself).
func (h *IncomingHandshake) Run(peerID [20]byte, checkInfoHash func([20]byte) bool, resultC chan *IncomingHandshake, timeout time.Duration, ext btconn.Extensions) {
	res, err := btconn.Accept(h.Conn, timeout, peerID, checkInfoHash, ext)
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
