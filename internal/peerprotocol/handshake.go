// Package peerprotocol implements the BitTorrent peer wire protocol:
// the BEP-3/10/52 handshake, the u32-framed message codec, the BEP-10
// extension registry and the BEP-9 metadata sub-messages (§4.B).
package peerprotocol

import (
	"errors"
	"io"
)

// HandshakeLength is the fixed wire size of a handshake message (§4.B).
const HandshakeLength = 68

const protocolString = "BitTorrent protocol"

// Extension reserved-byte bit positions, named by (byte index, mask) per
// spec.md's table.
const (
	ExtensionAzureusByte = 0
	ExtensionAzureusBit  = 0x80

	ExtensionLTEPByte = 5
	ExtensionLTEPBit  = 0x10

	ExtensionEncryptionByte = 5
	ExtensionEncryptionBit  = 0x02

	ExtensionDHTByte = 7
	ExtensionDHTBit  = 0x01

	ExtensionXBTPEXByte = 7
	ExtensionXBTPEXBit  = 0x02

	ExtensionFastByte = 7
	ExtensionFastBit  = 0x04

	ExtensionNATByte = 7
	ExtensionNATBit  = 0x08

	ExtensionV2HybridByte = 7
	ExtensionV2HybridBit  = 0x10
)

var errInvalidProtocolLength = errors.New("peerprotocol: invalid protocol string length")

// Handshake is the 68-byte greeting exchanged before any framed message.
type Handshake struct {
	Extensions [8]byte
	InfoHash   [20]byte
	PeerID     [20]byte
}

// NewHandshake builds a Handshake with no extension bits set.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// SetExtension sets the bit at (byteIndex, mask) in the reserved bytes.
func (h *Handshake) SetExtension(byteIndex int, mask byte) {
	h.Extensions[byteIndex] |= mask
}

// HasExtension reports whether the bit at (byteIndex, mask) is set.
func (h *Handshake) HasExtension(byteIndex int, mask byte) bool {
	return h.Extensions[byteIndex]&mask != 0
}

// Write encodes the handshake to w, always producing exactly
// HandshakeLength bytes.
func (h *Handshake) Write(w io.Writer) error {
	buf := make([]byte, 0, HandshakeLength)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	buf = append(buf, h.Extensions[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake decodes a Handshake from r, failing on a malformed
// protocol string or premature EOF.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	if int(lenBuf[0]) != len(protocolString) {
		return nil, errInvalidProtocolLength
	}
	proto := make([]byte, lenBuf[0])
	if _, err := io.ReadFull(r, proto); err != nil {
		return nil, err
	}
	if string(proto) != protocolString {
		return nil, errInvalidProtocolLength
	}
	var h Handshake
	if _, err := io.ReadFull(r, h.Extensions[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, h.InfoHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, h.PeerID[:]); err != nil {
		return nil, err
	}
	return &h, nil
}
