// Package piece defines the Piece and Block units that the wire protocol,
// picker, downloader and storage layers all operate on (§3 Piece/File).
package piece

import "github.com/cenkalti/rain/internal/storage"

// BlockSize is the default request length peers pipeline blocks at (§3).
const BlockSize = 16 * 1024

// Priority controls picker ordering. PriorityHigh pieces are picked before
// all others; PriorityLow and PriorityNormal pieces are ranked alike;
// PriorityNone pieces are never picked. NewPieces starts every piece at
// PriorityNormal.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
)

// State is the lifecycle of a single piece's verification status.
type State int

const (
	Missing State = iota
	Requested
	Downloaded
	Verified
	Failed
)

// Block is a fixed-size (except possibly the last) sub-piece unit that
// peers request/deliver independently.
type Block struct {
	Index  uint32 // block index within the piece
	Begin  uint32 // byte offset within the piece
	Length uint32
}

// Piece is one hash-verified unit of a torrent.
type Piece struct {
	Index    uint32
	Length   uint32
	Hash     []byte // expected SHA-1 (v1) or SHA-256 root (v2)
	Priority Priority
	State    State
	Blocks   []Block

	// Files lists the storage.File(s) this piece's bytes span, in order,
	// so writes/reads that straddle a file boundary can be split (§4.F).
	Files []storage.File

	// Writing is true while a piecewriter goroutine is flushing this
	// piece's assembled bytes to disk.
	Writing bool
	// Done is true once the piece has been written to disk successfully.
	Done bool
}

// NumBlocks returns how many blocks a piece of the given length is split
// into, using the default BlockSize.
func NumBlocks(length uint32) int {
	n := int(length / BlockSize)
	if length%BlockSize != 0 {
		n++
	}
	return n
}

// NewPieces builds the Piece slice for a torrent: pieceLength is the
// nominal length and totalLength determines how short the final piece is.
func NewPieces(hashes [][]byte, pieceLength, totalLength uint32) []Piece {
	pieces := make([]Piece, len(hashes))
	for i, h := range hashes {
		length := pieceLength
		if i == len(hashes)-1 {
			rem := totalLength % pieceLength
			if rem != 0 {
				length = rem
			}
		}
		pieces[i] = Piece{
			Index:    uint32(i),
			Length:   length,
			Hash:     h,
			Priority: PriorityNormal,
			Blocks:   newBlocks(length),
		}
	}
	return pieces
}

func newBlocks(length uint32) []Block {
	n := NumBlocks(length)
	blocks := make([]Block, n)
	var begin uint32
	for i := 0; i < n; i++ {
		blockLength := uint32(BlockSize)
		if begin+blockLength > length {
			blockLength = length - begin
		}
		blocks[i] = Block{Index: uint32(i), Begin: begin, Length: blockLength}
		begin += blockLength
	}
	return blocks
}
