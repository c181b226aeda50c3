// Package peerconn owns one TCP connection after the handshake phase: a
// reader goroutine decoding frames and a writer goroutine draining a
// bounded outbound queue (§5 backpressure: "outbound peer writes use a
// bounded queue per peer (default 64 messages); overflow drops the peer").
package peerconn

import (
	"net"
	"time"

	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/peerconn/peerreader"
	"github.com/cenkalti/rain/internal/peerconn/peerwriter"
	"github.com/cenkalti/rain/internal/peerprotocol"
)

// Conn is a single connected, post-handshake peer.
type Conn struct {
	conn          net.Conn
	id            [20]byte
	FastExtension bool
	ExtensionProtocol bool
	reader        *peerreader.PeerReader
	writer        *peerwriter.PeerWriter
	log           logger.Logger
	closeC        chan struct{}
	closedC       chan struct{}
}

// New wraps conn, tagging it with the remote peer id and the extension
// bits negotiated during the handshake.
func New(conn net.Conn, id [20]byte, extensions [8]byte, l logger.Logger, pieceTimeout time.Duration, readBufferSize int) *Conn {
	fast := extensions[peerprotocol.ExtensionFastByte]&peerprotocol.ExtensionFastBit != 0
	ltep := extensions[peerprotocol.ExtensionLTEPByte]&peerprotocol.ExtensionLTEPBit != 0
	return &Conn{
		conn:              conn,
		id:                id,
		FastExtension:     fast,
		ExtensionProtocol: ltep,
		reader:            peerreader.New(conn, l, pieceTimeout, readBufferSize),
		writer:            peerwriter.New(conn, l),
		log:               l,
		closeC:            make(chan struct{}),
		closedC:           make(chan struct{}),
	}
}

func (c *Conn) ID() [20]byte    { return c.id }
func (c *Conn) String() string  { return c.conn.RemoteAddr().String() }
func (c *Conn) Logger() logger.Logger { return c.log }
func (c *Conn) IP() string {
	if a, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		return a.IP.String()
	}
	return c.conn.RemoteAddr().String()
}
func (c *Conn) Addr() *net.TCPAddr {
	a, _ := c.conn.RemoteAddr().(*net.TCPAddr)
	return a
}

// Messages exposes decoded frames as they arrive, in arrival order (§5
// "Within one peer, messages are delivered to the engine in arrival
// order").
func (c *Conn) Messages() <-chan peerprotocol.Message { return c.reader.Messages() }

// SendMessage enqueues msg on the bounded outbound queue; if the queue
// is full the peer is closed rather than blocking the caller.
func (c *Conn) SendMessage(msg peerprotocol.Message) {
	c.writer.SendMessage(msg)
}

// SendPiece streams a Piece message, reading the block directly from
// data without an extra intermediate buffer.
func (c *Conn) SendPiece(index, begin uint32, data []byte) {
	c.writer.SendPiece(index, begin, data)
}

// CloseConn closes the underlying socket without waiting for the
// read/write goroutines to observe it (used when a handshake races).
func (c *Conn) CloseConn() { c.conn.Close() }

// Close signals the reader/writer to stop and blocks until both have.
func (c *Conn) Close() {
	select {
	case <-c.closeC:
		return
	default:
		close(c.closeC)
	}
	<-c.closedC
}

// Run starts the reader and writer goroutines and blocks until the
// connection, or an explicit Close, ends either one.
func (c *Conn) Run() {
	defer close(c.closedC)

	readerDone := make(chan struct{})
	go func() {
		c.reader.Run(c.closeC)
		close(readerDone)
	}()

	writerDone := make(chan struct{})
	go func() {
		c.writer.Run(c.closeC)
		close(writerDone)
	}()

	select {
	case <-c.closeC:
		c.conn.Close()
		<-readerDone
		<-writerDone
	case <-readerDone:
		c.conn.Close()
		<-writerDone
	case <-writerDone:
		c.conn.Close()
		<-readerDone
	}
}
