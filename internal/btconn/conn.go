// Package btconn dials and accepts raw BitTorrent connections and
// performs the BEP-3/10/52 handshake. MSE-style stream encryption is
// not implemented: Non-goals only name DHT/uTP/WebTorrent, but this
// engine speaks plaintext handshakes only, like its ancestor.
package btconn

import (
	"errors"
	"net"
	"time"

	"github.com/cenkalti/rain/internal/peerprotocol"
)

var (
	ErrOwnConnection   = errors.New("btconn: dropped own connection")
	ErrInvalidInfoHash = errors.New("btconn: invalid info hash")
	ErrNotExpected     = errors.New("btconn: info hash not expected by this host")
)

// Extensions are the bits this engine advertises in its own handshakes.
type Extensions struct {
	LTEP bool
	Fast bool
}

func (e Extensions) apply(h *peerprotocol.Handshake) {
	if e.LTEP {
		h.SetExtension(peerprotocol.ExtensionLTEPByte, peerprotocol.ExtensionLTEPBit)
	}
	if e.Fast {
		h.SetExtension(peerprotocol.ExtensionFastByte, peerprotocol.ExtensionFastBit)
	}
}

// Result is what a completed handshake, in either direction, yields.
type Result struct {
	Conn       net.Conn
	PeerID     [20]byte
	InfoHash   [20]byte
	Extensions [8]byte
}

// Dial connects to addr and performs the outgoing handshake for infoHash.
func Dial(addr *net.TCPAddr, connectTimeout, handshakeTimeout time.Duration, peerID [20]byte, infoHash [20]byte, ext Extensions) (*Result, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), connectTimeout)
	if err != nil {
		return nil, err
	}
	res, err := handshakeOutgoing(conn, handshakeTimeout, peerID, infoHash, ext)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if res.PeerID == peerID {
		conn.Close()
		return nil, ErrOwnConnection
	}
	return res, nil
}

func handshakeOutgoing(conn net.Conn, timeout time.Duration, peerID, infoHash [20]byte, ext Extensions) (*Result, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	h := peerprotocol.NewHandshake(infoHash, peerID)
	ext.apply(h)
	if err := h.Write(conn); err != nil {
		return nil, err
	}
	remote, err := peerprotocol.ReadHandshake(conn)
	if err != nil {
		return nil, err
	}
	if remote.InfoHash != infoHash {
		return nil, ErrInvalidInfoHash
	}
	return &Result{Conn: conn, PeerID: remote.PeerID, InfoHash: remote.InfoHash, Extensions: remote.Extensions}, nil
}

// Accept reads an incoming handshake, checks its info-hash against
// isKnown, and replies with our own handshake (§4.B: "the declared
// info-hash must match a torrent the engine is managing; otherwise the
// connection is closed").
func Accept(conn net.Conn, timeout time.Duration, peerID [20]byte, isKnown func([20]byte) bool, ext Extensions) (*Result, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	remote, err := peerprotocol.ReadHandshake(conn)
	if err != nil {
		return nil, err
	}
	if !isKnown(remote.InfoHash) {
		return nil, ErrNotExpected
	}
	h := peerprotocol.NewHandshake(remote.InfoHash, peerID)
	ext.apply(h)
	if err := h.Write(conn); err != nil {
		return nil, err
	}
	if remote.PeerID == peerID {
		return nil, ErrOwnConnection
	}
	return &Result{Conn: conn, PeerID: remote.PeerID, InfoHash: remote.InfoHash, Extensions: remote.Extensions}, nil
}
