// Package piecepicker decides which piece/block to request next for a
// torrent (§4.E): rarest-first by default with a random tie-break,
// sequential mode for streaming, and priority windows that apply in
// both modes.
package piecepicker

import (
	"math/rand"

	"github.com/cenkalti/rain/internal/bitfield"
	"github.com/cenkalti/rain/internal/piece"
)

// Mode selects the overall ordering strategy. Priority windows are
// consulted before either (spec.md §9 Q3: one Mode plus priority
// windows that apply uniformly).
type Mode int

const (
	ModeRarest Mode = iota
	ModeSequential
)

// PiecePicker tracks per-piece availability and outstanding requests for
// one torrent and chooses the next piece/block to request.
type PiecePicker struct {
	pieces      []piece.Piece
	mode        Mode
	availability []int // number of connected peers known to have each piece
	requested    map[uint32]int // pieceIndex -> number of peers currently requesting blocks from it (endgame bookkeeping)
	strikes      map[uint32]int // pieceIndex -> consecutive hash-fail count
}

// New returns a picker for the given pieces, defaulting to rarest-first.
func New(pieces []piece.Piece) *PiecePicker {
	return &PiecePicker{
		pieces:       pieces,
		mode:         ModeRarest,
		availability: make([]int, len(pieces)),
		requested:    make(map[uint32]int),
		strikes:      make(map[uint32]int),
	}
}

// SetMode switches between rarest-first and sequential ordering. The
// streaming resource calls this to force sequential delivery.
func (pp *PiecePicker) SetMode(m Mode) { pp.mode = m }

// HandleHave increments availability for index, called when a peer
// announces a Have or an initial Bitfield/HaveAll.
func (pp *PiecePicker) HandleHave(index uint32) {
	if int(index) < len(pp.availability) {
		pp.availability[index]++
	}
}

// HandleBitfield increments availability for every set bit in bf.
func (pp *PiecePicker) HandleBitfield(bf *bitfield.Bitfield) {
	for i := uint32(0); i < bf.Len() && int(i) < len(pp.pieces); i++ {
		if bf.Test(i) {
			pp.availability[i]++
		}
	}
}

// HandlePeerGone decrements availability for every piece bf claims,
// called when a peer disconnects.
func (pp *PiecePicker) HandlePeerGone(bf *bitfield.Bitfield) {
	if bf == nil {
		return
	}
	for i := uint32(0); i < bf.Len() && int(i) < len(pp.pieces); i++ {
		if bf.Test(i) && pp.availability[i] > 0 {
			pp.availability[i]--
		}
	}
}

// candidate pieces, in priority order: High window pieces first if any;
// otherwise Low and Normal pieces, ranked within the active mode. None
// pieces and Verified pieces are never candidates.
func (pp *PiecePicker) candidates(has *bitfield.Bitfield) []uint32 {
	var high, rest []uint32
	for i := range pp.pieces {
		pc := &pp.pieces[i]
		if pc.State == piece.Verified {
			continue
		}
		if !has.Test(uint32(i)) {
			continue
		}
		if pc.Priority == piece.PriorityNone {
			continue
		}
		if pc.Priority == piece.PriorityHigh {
			high = append(high, uint32(i))
		} else {
			rest = append(rest, uint32(i))
		}
	}
	if len(high) > 0 {
		return high
	}
	return rest
}

// Pick chooses the next piece to request from a peer whose bitfield is
// has, honoring mode and priority windows, with endgame mode allowing a
// piece already requested from other peers to be requested again once
// every non-endgame candidate is already in flight.
func (pp *PiecePicker) Pick(has *bitfield.Bitfield, endgame bool) (uint32, bool) {
	cands := pp.candidates(has)
	if len(cands) == 0 {
		return 0, false
	}

	var fresh []uint32
	for _, idx := range cands {
		if pp.pieces[idx].State == piece.Missing {
			fresh = append(fresh, idx)
		}
	}
	pool := fresh
	if len(pool) == 0 {
		if !endgame {
			return 0, false
		}
		pool = cands // every candidate already requested: redundant endgame request
	}

	switch pp.mode {
	case ModeSequential:
		best := pool[0]
		for _, idx := range pool {
			if idx < best {
				best = idx
			}
		}
		return best, true
	default: // ModeRarest
		return pp.pickRarest(pool), true
	}
}

func (pp *PiecePicker) pickRarest(pool []uint32) uint32 {
	rarest := pp.availability[pool[0]]
	var tied []uint32
	for _, idx := range pool {
		a := pp.availability[idx]
		switch {
		case a < rarest:
			rarest = a
			tied = tied[:0]
			tied = append(tied, idx)
		case a == rarest:
			tied = append(tied, idx)
		}
	}
	return tied[rand.Intn(len(tied))]
}

// NextBlock returns the next unrequested block of piece index in
// ascending-offset order (§4.E "blocks within a piece are requested in
// ascending offset order").
func (pp *PiecePicker) NextBlock(index uint32, requested map[piece.Block]bool) (piece.Block, bool) {
	blocks := pp.pieces[index].Blocks
	for _, b := range blocks {
		if !requested[b] {
			return b, true
		}
	}
	return piece.Block{}, false
}

// MarkRequested records that index is now being downloaded from one
// more peer, used for endgame bookkeeping.
func (pp *PiecePicker) MarkRequested(index uint32) {
	pp.pieces[index].State = piece.Requested
	pp.requested[index]++
}

// MarkDownloaded transitions index to Downloaded, awaiting hash check.
func (pp *PiecePicker) MarkDownloaded(index uint32) {
	pp.pieces[index].State = piece.Downloaded
}

// MarkVerified transitions index to Verified and clears its strike
// count, called once the hash check succeeds.
func (pp *PiecePicker) MarkVerified(index uint32) {
	pp.pieces[index].State = piece.Verified
	delete(pp.requested, index)
	delete(pp.strikes, index)
}

// MarkFailed resets index to Missing for a full re-download (§4.E "a
// hash mismatch discards the whole piece, not just the offending
// block") and attributes a strike, returned so the caller can decide
// whether to drop the peer that supplied the bad data.
func (pp *PiecePicker) MarkFailed(index uint32) (strikes int) {
	pp.pieces[index].State = piece.Missing
	delete(pp.requested, index)
	pp.strikes[index]++
	return pp.strikes[index]
}

// RequestCount reports how many peers a piece is currently being
// downloaded from, used to decide whether endgame mode should begin.
func (pp *PiecePicker) RequestCount(index uint32) int { return pp.requested[index] }

// Done reports whether every piece is Verified.
func (pp *PiecePicker) Done() bool {
	for i := range pp.pieces {
		if pp.pieces[i].State != piece.Verified {
			return false
		}
	}
	return true
}

// SetPriority sets the priority window for a contiguous piece range,
// used by the streaming resource to prioritize the preparation set and
// the current playback window (§4.I).
func (pp *PiecePicker) SetPriority(indices []uint32, pr piece.Priority) {
	for _, idx := range indices {
		if int(idx) < len(pp.pieces) {
			pp.pieces[idx].Priority = pr
		}
	}
}

// HasBytes reports whether every piece in [fromPiece, toPiece], both
// inclusive, is Verified,
// used by the streaming resource's has_bytes check.
func (pp *PiecePicker) HasBytes(fromPiece, toPiece uint32) bool {
	for i := fromPiece; i <= toPiece && int(i) < len(pp.pieces); i++ {
		if pp.pieces[i].State != piece.Verified {
			return false
		}
	}
	return true
}
