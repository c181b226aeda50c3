package infodownloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateBlocksSizesLastBlockToRemainder(t *testing.T) {
	metadataSize := uint32(blockSize*2 + 100)
	blocks := blocksForSize(metadataSize)
	assert.Len(t, blocks, 3)
	assert.EqualValues(t, blockSize, blocks[0].size)
	assert.EqualValues(t, blockSize, blocks[1].size)
	assert.EqualValues(t, 100, blocks[2].size)
}

func TestGotBlockRejectsUnrequestedIndex(t *testing.T) {
	d := &InfoDownloader{
		Bytes:     make([]byte, blockSize),
		requested: make(map[uint32]struct{}),
		blocks:    []block{{size: blockSize}},
	}
	err := d.GotBlock(0, make([]byte, blockSize))
	assert.Error(t, err)
}

func TestGotBlockRejectsWrongSize(t *testing.T) {
	d := &InfoDownloader{
		Bytes:     make([]byte, blockSize),
		requested: map[uint32]struct{}{0: {}},
		blocks:    []block{{size: blockSize}},
	}
	err := d.GotBlock(0, make([]byte, blockSize-1))
	assert.Error(t, err)
}

func TestDoneWhenAllBlocksFetched(t *testing.T) {
	d := &InfoDownloader{
		Bytes:          make([]byte, blockSize),
		requested:      make(map[uint32]struct{}),
		blocks:         []block{{size: blockSize}},
		nextBlockIndex: 1,
	}
	assert.True(t, d.Done())
}
