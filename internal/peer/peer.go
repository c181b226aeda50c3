// Package peer is the per-peer state machine (§4.D): choke/interest
// flags, the remote bitfield, rate counters, the BEP-10 extension
// handshake and the outstanding request queue. One Peer is spawned per
// connected remote and runs as its own cooperative task.
package peer

import (
	"net"
	"sync"
	"time"

	"github.com/cenkalti/rain/internal/bitfield"
	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/peerconn"
	"github.com/cenkalti/rain/internal/peerconn/peerreader"
	"github.com/cenkalti/rain/internal/peerprotocol"
	"github.com/rcrowley/go-metrics"
)

// Message is a non-piece message forwarded to the torrent engine,
// tagged with the Peer it arrived from so the engine can process
// messages from many peers without per-peer goroutine state (§5:
// "Across peers, there is no ordering; the engine must tolerate
// interleaving").
type Message struct {
	Peer    *Peer
	Message peerprotocol.Message
}

// PieceMessage is a received block, forwarded on its own channel so the
// engine can prioritize disk writes over control-message processing.
type PieceMessage struct {
	Peer  *Peer
	Block peerprotocol.PieceMessage
}

// Request mirrors a Request/Cancel message's fields for use as a map key
// inside the picker and downloaders.
type Request struct {
	PieceIndex uint32
	Begin      uint32
	Length     uint32
}

// Peer is the engine's view of one connected remote.
type Peer struct {
	Conn *peerconn.Conn

	mu sync.Mutex

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	OptimisticUnchoked bool
	Snubbed            bool
	Downloading        bool

	FastExtension bool

	Bitfield *bitfield.Bitfield

	ExtensionHandshake *peerprotocol.ExtensionHandshakeDict

	// Messages received before the torrent had metadata are buffered
	// here and replayed once metadata arrives (engine-driven replay).
	Messages []peerprotocol.Message

	BytesDownloadedInChokePeriod int64
	BytesUploadedInChokePeriod   int64

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	requestTimeout time.Duration
	connectedAt    time.Time
	lastActivity   time.Time

	log logger.Logger
}

// New wraps a post-handshake connection as an Active peer.
func New(conn *peerconn.Conn, requestTimeout time.Duration) *Peer {
	now := time.Now()
	return &Peer{
		Conn:           conn,
		AmChoking:      true,
		PeerChoking:    true,
		FastExtension:  conn.FastExtension,
		requestTimeout: requestTimeout,
		downloadSpeed:  metrics.NewEWMA1(),
		uploadSpeed:    metrics.NewEWMA1(),
		connectedAt:    now,
		lastActivity:   now,
		log:            conn.Logger(),
	}
}

func (p *Peer) ID() [20]byte       { return p.Conn.ID() }
func (p *Peer) Addr() *net.TCPAddr { return p.Conn.Addr() }
func (p *Peer) String() string     { return p.Conn.String() }
func (p *Peer) Logger() logger.Logger { return p.log }

// SendMessage forwards to the underlying connection's bounded queue.
func (p *Peer) SendMessage(msg peerprotocol.Message) { p.Conn.SendMessage(msg) }

// SendRequest queues a Request message on the connection. It keeps no
// request accounting and always returns nil.
func (p *Peer) SendRequest(index, begin, length uint32) error {
	p.Conn.SendMessage(peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length})
	return nil
}

// SendCancel sends a Cancel message, used to drop a redundant endgame
// request once another peer has already delivered the block.
func (p *Peer) SendCancel(index, begin, length uint32) {
	p.Conn.SendMessage(peerprotocol.CancelMessage{Index: index, Begin: begin, Length: length})
}

// Close tears down the underlying connection.
func (p *Peer) Close() { p.Conn.Close() }

// DownloadSpeed/UploadSpeed report the current EWMA-smoothed rates in
// bytes/sec (§3 Peer "running rate counters").
func (p *Peer) DownloadSpeed() float64 { return p.downloadSpeed.Rate() }
func (p *Peer) UploadSpeed() float64   { return p.uploadSpeed.Rate() }

// AccountDownload records n downloaded bytes against both the EWMA rate
// and the current choke-period byte counter used by tit-for-tat (§4.D).
func (p *Peer) AccountDownload(n int64) {
	p.downloadSpeed.Update(n)
	p.mu.Lock()
	p.BytesDownloadedInChokePeriod += n
	p.mu.Unlock()
}

// AccountUpload records n uploaded bytes symmetrically to AccountDownload.
func (p *Peer) AccountUpload(n int64) {
	p.uploadSpeed.Update(n)
	p.mu.Lock()
	p.BytesUploadedInChokePeriod += n
	p.mu.Unlock()
}

// Tick advances the peer's EWMA counters; called once per second by the
// torrent engine's stats tick (§4.G).
func (p *Peer) Tick() {
	p.downloadSpeed.Tick()
	p.uploadSpeed.Tick()
}

// IdleDuration reports how long it has been since any activity was
// observed from this peer, used for the >2min keep-alive timeout
// (§4.D Termination).
func (p *Peer) IdleDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastActivity)
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

// Run reads frames from the connection, updates peer-local state for
// base protocol messages directly, and forwards everything else (plus
// Have/Bitfield updates, for the engine's availability bookkeeping) to
// the engine via messages/pieceMessages. It returns when the connection
// closes, signalling on disconnectedC.
func (p *Peer) Run(messages chan Message, pieceMessages chan PieceMessage, snubbedC chan *Peer, disconnectedC chan *Peer) {
	go p.Conn.Run()
	defer func() { disconnectedC <- p }()
	for msg := range p.Conn.Messages() {
		p.touch()
		switch m := msg.(type) {
		case peerprotocol.ChokeMessage:
			p.mu.Lock()
			p.PeerChoking = true
			p.mu.Unlock()
			messages <- Message{Peer: p, Message: m}
		case peerprotocol.UnchokeMessage:
			p.mu.Lock()
			p.PeerChoking = false
			p.mu.Unlock()
			messages <- Message{Peer: p, Message: m}
		case peerprotocol.InterestedMessage:
			p.mu.Lock()
			p.PeerInterested = true
			p.mu.Unlock()
			messages <- Message{Peer: p, Message: m}
		case peerprotocol.NotInterestedMessage:
			p.mu.Lock()
			p.PeerInterested = false
			p.mu.Unlock()
			messages <- Message{Peer: p, Message: m}
		case peerreader.Piece:
			pieceMessages <- PieceMessage{Peer: p, Block: m.PieceMessage}
		default:
			messages <- Message{Peer: p, Message: msg}
		}
	}
}
