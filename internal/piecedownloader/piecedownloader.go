// Package piecedownloader pipelines block requests for a single piece
// to a single peer (§4.D/E). One PieceDownloader exists per
// (torrent, peer) pair currently downloading a piece.
package piecedownloader

import (
	"bytes"
	"errors"

	"github.com/cenkalti/rain/internal/peer"
	"github.com/cenkalti/rain/internal/piece"
)

// minQueuedBlocks/maxQueuedBlocksCap bound the adaptive pipeline depth:
// the in-flight block target doubles on each delivered block and halves
// on a choke, bounded to [2, 50]. A request timeout does not change the
// target.
const (
	minQueuedBlocks     = 2
	maxQueuedBlocksCap  = 50
	initialQueuedBlocks = 10
)

// PieceDownloader drives the block-request pipeline for one piece
// against one peer.
type PieceDownloader struct {
	Piece  *piece.Piece
	Peer   *peer.Peer
	blocks []blockState

	target  int
	pending int

	PieceC   chan peer.PieceMessage
	RejectC  chan peer.Request
	ChokeC   chan struct{}
	UnchokeC chan struct{}
	DoneC    chan []byte
	ErrC     chan error
}

type blockState struct {
	piece.Block
	requested bool
	data      []byte
}

// New returns a downloader for pi's blocks against pe.
func New(pi *piece.Piece, pe *peer.Peer) *PieceDownloader {
	blocks := make([]blockState, len(pi.Blocks))
	for i := range blocks {
		blocks[i] = blockState{Block: pi.Blocks[i]}
	}
	return &PieceDownloader{
		Piece:    pi,
		Peer:     pe,
		blocks:   blocks,
		target:   initialQueuedBlocks,
		PieceC:   make(chan peer.PieceMessage),
		RejectC:  make(chan peer.Request),
		ChokeC:   make(chan struct{}),
		UnchokeC: make(chan struct{}),
		DoneC:    make(chan []byte, 1),
		ErrC:     make(chan error, 1),
	}
}

// Run issues requests up to the current pipeline target and reacts to
// block arrivals, rejects, chokes and unchokes until the piece is fully
// assembled, an error occurs, or stopC is closed.
func (d *PieceDownloader) Run(stopC chan struct{}) {
	d.fill()
	for {
		select {
		case p := <-d.PieceC:
			if !d.receiveBlock(p.Block.Begin, p.Block.Data) {
				break
			}
			if d.allDone() {
				d.DoneC <- d.assemble().Bytes()
				return
			}
			d.growOnDelivery()
			d.fill()
		case req := <-d.RejectC:
			i := blockIndex(req.Begin)
			if i >= len(d.blocks) || !d.blocks[i].requested {
				d.Peer.Close()
				d.ErrC <- errors.New("piecedownloader: received invalid reject message")
				return
			}
			d.blocks[i].requested = false
			d.pending--
			d.fill()
		case <-d.ChokeC:
			for i := range d.blocks {
				if d.blocks[i].data == nil {
					d.blocks[i].requested = false
				}
			}
			d.pending = 0
			d.shrink()
		case <-d.UnchokeC:
			d.fill()
		case <-stopC:
			return
		}
	}
}

func blockIndex(begin uint32) int { return int(begin / piece.BlockSize) }

func (d *PieceDownloader) receiveBlock(begin uint32, data []byte) bool {
	i := blockIndex(begin)
	if i >= len(d.blocks) {
		return false
	}
	if d.blocks[i].data != nil {
		return false // already have it, e.g. endgame-redundant delivery
	}
	d.blocks[i].data = data
	if d.blocks[i].requested {
		d.pending--
	}
	return true
}

// growOnDelivery doubles the pipeline target on a timely delivery,
// capped at maxQueuedBlocksCap.
func (d *PieceDownloader) growOnDelivery() {
	d.target *= 2
	if d.target > maxQueuedBlocksCap {
		d.target = maxQueuedBlocksCap
	}
}

// shrink halves the pipeline target after a choke, floored at
// minQueuedBlocks.
func (d *PieceDownloader) shrink() {
	d.target /= 2
	if d.target < minQueuedBlocks {
		d.target = minQueuedBlocks
	}
}

func (d *PieceDownloader) fill() {
	for d.pending < d.target {
		b := d.nextBlock()
		if b == nil {
			return
		}
		if err := d.Peer.SendRequest(d.Piece.Index, b.Begin, b.Length); err != nil {
			d.ErrC <- err
			return
		}
		d.pending++
	}
}

func (d *PieceDownloader) nextBlock() *blockState {
	for i := range d.blocks {
		if !d.blocks[i].requested && d.blocks[i].data == nil {
			d.blocks[i].requested = true
			return &d.blocks[i]
		}
	}
	return nil
}

func (d *PieceDownloader) allDone() bool {
	for i := range d.blocks {
		if d.blocks[i].data == nil {
			return false
		}
	}
	return true
}

func (d *PieceDownloader) assemble() *bytes.Buffer {
	buf := bytes.NewBuffer(make([]byte, 0, d.Piece.Length))
	for i := range d.blocks {
		buf.Write(d.blocks[i].data)
	}
	return buf
}

// RequestedBlocks reports how many blocks are currently outstanding,
// used by the engine to decide whether to start an endgame-redundant
// request from another peer (§4.E).
func (d *PieceDownloader) RequestedBlocks() int { return d.pending }
