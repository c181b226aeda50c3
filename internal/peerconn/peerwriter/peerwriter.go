// Package peerwriter drains a bounded outbound queue to one peer's
// socket. Overflowing the queue closes the peer rather than blocking
// the caller (§5 backpressure).
package peerwriter

import (
	"net"

	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/peerprotocol"
)

// QueueLength is the default bounded outbound queue size per peer.
const QueueLength = 64

type pieceJob struct {
	index, begin uint32
	data         []byte
}

// PeerWriter owns the write side of one peer connection.
type PeerWriter struct {
	conn      net.Conn
	log       logger.Logger
	messages  chan peerprotocol.Message
	pieces    chan pieceJob
	overflowC chan struct{}
}

// New returns a PeerWriter over conn with the default bounded queue.
func New(conn net.Conn, l logger.Logger) *PeerWriter {
	return &PeerWriter{
		conn:      conn,
		log:       l,
		messages:  make(chan peerprotocol.Message, QueueLength),
		pieces:    make(chan pieceJob, QueueLength),
		overflowC: make(chan struct{}, 1),
	}
}

// SendMessage enqueues msg; if the queue is full, the peer is marked
// for close via Overflowed() rather than blocking.
func (w *PeerWriter) SendMessage(msg peerprotocol.Message) {
	select {
	case w.messages <- msg:
	default:
		w.log.Debugln("peer outbound queue full, dropping connection")
		select {
		case w.overflowC <- struct{}{}:
		default:
		}
	}
}

// SendPiece enqueues a Piece message carrying data, which is streamed
// straight from the caller's buffer (no extra copy through messages).
func (w *PeerWriter) SendPiece(index, begin uint32, data []byte) {
	select {
	case w.pieces <- pieceJob{index, begin, data}:
	default:
		w.log.Debugln("peer outbound piece queue full, dropping connection")
		select {
		case w.overflowC <- struct{}{}:
		default:
		}
	}
}

// Overflowed reports (non-blocking) whether the outbound queue has
// overflowed and the connection should be closed by the caller.
func (w *PeerWriter) Overflowed() <-chan struct{} { return w.overflowC }

// Run drains both queues until stopC is closed.
func (w *PeerWriter) Run(stopC chan struct{}) {
	for {
		select {
		case msg := <-w.messages:
			if err := peerprotocol.WriteMessage(w.conn, msg); err != nil {
				w.log.Debugln("peer write error:", err)
				return
			}
		case pj := <-w.pieces:
			if err := peerprotocol.WritePieceMessage(w.conn, pj.index, pj.begin, len(pj.data)); err != nil {
				w.log.Debugln("peer write error:", err)
				return
			}
			if _, err := w.conn.Write(pj.data); err != nil {
				w.log.Debugln("peer write error:", err)
				return
			}
		case <-w.overflowC:
			return
		case <-stopC:
			return
		}
	}
}
