package piecedownloader

import (
	"testing"

	"github.com/cenkalti/rain/internal/peer"
	"github.com/cenkalti/rain/internal/piece"
	"github.com/stretchr/testify/assert"
)

func TestReceiveBlocksAssembleInOrder(t *testing.T) {
	pieces := piece.NewPieces([][]byte{{1}}, piece.BlockSize*3, piece.BlockSize*3)
	pd := &PieceDownloader{
		Piece:  &pieces[0],
		target: initialQueuedBlocks,
		PieceC: make(chan peer.PieceMessage, 8),
	}
	blocks := make([]blockState, len(pieces[0].Blocks))
	for i := range blocks {
		blocks[i] = blockState{Block: pieces[0].Blocks[i]}
	}
	pd.blocks = blocks

	for i, b := range pd.blocks {
		data := bytes3(byte(i))
		assert.True(t, pd.receiveBlock(b.Begin, data))
	}
	assert.True(t, pd.allDone())

	assembled := pd.assemble().Bytes()
	assert.Equal(t, []byte{0, 1, 2}, assembled)
}

func TestGrowOnDeliveryDoublesCapped(t *testing.T) {
	pd := &PieceDownloader{target: maxQueuedBlocksCap - 5}
	pd.growOnDelivery()
	assert.Equal(t, maxQueuedBlocksCap, pd.target)
}

func TestShrinkHalvesFloored(t *testing.T) {
	pd := &PieceDownloader{target: minQueuedBlocks + 1}
	pd.shrink()
	assert.Equal(t, minQueuedBlocks, pd.target)
}

func bytes3(b byte) []byte { return []byte{b} }
