// Package verifier hash-checks a torrent's pieces against storage in a
// background goroutine so the torrent's main loop is never blocked on
// bulk disk I/O (§4.F "resume-bitfield trust vs. full CheckingFiles
// re-hash").
package verifier

import (
	"github.com/cenkalti/rain/internal/pieceio"
	"github.com/cenkalti/rain/internal/piece"
)

// Progress reports incremental hash-check progress so the torrent loop
// can surface a CheckingFiles percentage.
type Progress struct {
	Checked uint32
}

// Verifier hash-checks every piece in Pieces against Files.
type Verifier struct {
	Pieces   []piece.Piece
	Files    pieceio.Files
	Bitfield []bool // index i is true if pieces[i] verified ok

	Error error

	progressC chan Progress
	resultC   chan *Verifier
	stopC     chan struct{}
}

// New returns a Verifier over pieces backed by files.
func New(pieces []piece.Piece, files pieceio.Files, progressC chan Progress, resultC chan *Verifier) *Verifier {
	return &Verifier{
		Pieces:    pieces,
		Files:     files,
		Bitfield:  make([]bool, len(pieces)),
		progressC: progressC,
		resultC:   resultC,
		stopC:     make(chan struct{}),
	}
}

// Stop aborts an in-progress hash check.
func (v *Verifier) Stop() { close(v.stopC) }

// Run hash-checks every piece in order, reporting progress every piece
// and the final result (or the first I/O error) on completion.
func (v *Verifier) Run() {
	var checked uint32
	var offset int64
	for i := range v.Pieces {
		select {
		case <-v.stopC:
			return
		default:
		}
		ok, err := pieceio.VerifyPiece(v.Files, offset, &v.Pieces[i])
		if err != nil {
			v.Error = err
			v.resultC <- v
			return
		}
		v.Bitfield[i] = ok
		offset += int64(v.Pieces[i].Length)
		checked++
		select {
		case v.progressC <- Progress{Checked: checked}:
		case <-v.stopC:
			return
		}
	}
	v.resultC <- v
}
