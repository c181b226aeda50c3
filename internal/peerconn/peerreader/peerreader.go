// Package peerreader runs the frame-decode loop for one peer connection,
// publishing decoded messages on a channel in arrival order (§4.B, §5).
package peerreader

import (
	"io"
	"net"
	"time"

	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/peerprotocol"
)

// PeerReader decodes frames from a connection and publishes them.
type PeerReader struct {
	conn         net.Conn
	log          logger.Logger
	pieceTimeout time.Duration
	messages     chan peerprotocol.Message
}

// New returns a PeerReader over conn. readBufferSize is currently only
// used to size the outbound messages channel; actual socket reads are
// unbuffered reads of exactly the framed length.
func New(conn net.Conn, l logger.Logger, pieceTimeout time.Duration, readBufferSize int) *PeerReader {
	if readBufferSize <= 0 {
		readBufferSize = 1
	}
	return &PeerReader{
		conn:         conn,
		log:          l,
		pieceTimeout: pieceTimeout,
		messages:     make(chan peerprotocol.Message, readBufferSize),
	}
}

// Messages returns the channel decoded frames are published on.
func (r *PeerReader) Messages() <-chan peerprotocol.Message { return r.messages }

// Run decodes frames until stopC is closed, an error occurs, or the
// connection reaches EOF, then closes the messages channel.
func (r *PeerReader) Run(stopC chan struct{}) {
	defer close(r.messages)
	for {
		if r.pieceTimeout > 0 {
			r.conn.SetReadDeadline(time.Now().Add(r.pieceTimeout))
		}
		msg, err := peerprotocol.ReadMessage(r.conn)
		if err != nil {
			if err != io.EOF {
				r.log.Debugln("peer read error:", err)
			}
			return
		}
		if pm, ok := msg.(peerprotocol.PieceMessage); ok {
			msg = Piece{PieceMessage: pm, Data: pm.Data}
		}
		select {
		case r.messages <- msg:
		case <-stopC:
			return
		}
	}
}
