package piecepicker

import (
	"testing"

	"github.com/cenkalti/rain/internal/bitfield"
	"github.com/cenkalti/rain/internal/piece"
	"github.com/stretchr/testify/assert"
)

func fullBitfield(n uint32) *bitfield.Bitfield {
	bf := bitfield.New(n)
	bf.SetAll()
	return bf
}

func TestPickRarestPrefersLeastAvailable(t *testing.T) {
	pieces := piece.NewPieces([][]byte{{1}, {2}, {3}, {4}}, 16*1024, 64*1024)
	pp := New(pieces)

	pp.HandleHave(0)
	pp.HandleHave(0)
	pp.HandleHave(1)
	pp.HandleHave(2)
	pp.HandleHave(2)
	pp.HandleHave(2)
	// piece 3 stays at availability 0, the rarest.

	idx, ok := pp.Pick(fullBitfield(4), false)
	assert.True(t, ok)
	assert.EqualValues(t, 3, idx)
}

func TestPickSequentialIsInOrder(t *testing.T) {
	pieces := piece.NewPieces([][]byte{{1}, {2}, {3}}, 16*1024, 48*1024)
	pp := New(pieces)
	pp.SetMode(ModeSequential)

	idx, ok := pp.Pick(fullBitfield(3), false)
	assert.True(t, ok)
	assert.EqualValues(t, 0, idx)

	pp.MarkRequested(0)
	pp.MarkVerified(0)
	idx, ok = pp.Pick(fullBitfield(3), false)
	assert.True(t, ok)
	assert.EqualValues(t, 1, idx)
}

func TestHighPriorityWindowWinsOverRarity(t *testing.T) {
	pieces := piece.NewPieces([][]byte{{1}, {2}, {3}}, 16*1024, 48*1024)
	pp := New(pieces)
	pp.HandleHave(2) // piece 2 is rarer than 0/1

	pp.SetPriority([]uint32{0}, piece.PriorityHigh)

	idx, ok := pp.Pick(fullBitfield(3), false)
	assert.True(t, ok)
	assert.EqualValues(t, 0, idx)
}

func TestMarkFailedResetsWholePieceAndAccumulatesStrikes(t *testing.T) {
	pieces := piece.NewPieces([][]byte{{1}}, 16*1024, 16*1024)
	pp := New(pieces)
	pp.MarkRequested(0)
	pp.MarkDownloaded(0)

	strikes := pp.MarkFailed(0)
	assert.Equal(t, 1, strikes)
	assert.Equal(t, piece.Missing, pieces[0].State)

	pp.MarkRequested(0)
	strikes = pp.MarkFailed(0)
	assert.Equal(t, 2, strikes)
}

func TestEndgameAllowsRedundantRequestOnceExhausted(t *testing.T) {
	pieces := piece.NewPieces([][]byte{{1}}, 16*1024, 16*1024)
	pp := New(pieces)
	pp.MarkRequested(0)

	_, ok := pp.Pick(fullBitfield(1), false)
	assert.False(t, ok, "non-endgame picker must not re-request an in-flight piece")

	idx, ok := pp.Pick(fullBitfield(1), true)
	assert.True(t, ok)
	assert.EqualValues(t, 0, idx)
}

func TestHasBytesRequiresEveryPieceInRangeVerified(t *testing.T) {
	pieces := piece.NewPieces([][]byte{{1}, {2}, {3}}, 16*1024, 48*1024)
	pp := New(pieces)
	pp.MarkRequested(0)
	pp.MarkVerified(0)
	pp.MarkRequested(1)
	pp.MarkVerified(1)

	assert.True(t, pp.HasBytes(0, 1))
	assert.False(t, pp.HasBytes(0, 2))
}
