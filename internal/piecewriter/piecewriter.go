// Package piecewriter flushes one fully-downloaded piece to storage in
// its own goroutine so the torrent's main loop is never blocked on disk
// I/O (§4.F). The piece's hash is checked by the caller after the write.
package piecewriter

import (
	"github.com/cenkalti/rain/internal/pieceio"
	"github.com/cenkalti/rain/internal/piece"
)

// PieceWriter writes one piece's assembled bytes to storage.
type PieceWriter struct {
	Piece  *piece.Piece
	Buffer []byte
	Error  error

	files  pieceio.Files
	offset int64
	resultC chan *PieceWriter
}

// New returns a PieceWriter that will write buf (the piece's assembled
// bytes) at torrentOffset when Run is called.
func New(pi *piece.Piece, buf []byte, files pieceio.Files, torrentOffset int64, resultC chan *PieceWriter) *PieceWriter {
	return &PieceWriter{Piece: pi, Buffer: buf, files: files, offset: torrentOffset, resultC: resultC}
}

// Run writes the piece and publishes the result.
func (w *PieceWriter) Run() {
	w.Error = w.files.WriteBlock(w.offset, w.Buffer)
	w.resultC <- w
}
