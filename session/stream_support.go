package session

import (
	"context"
	"errors"

	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/internal/piecepicker"
	"github.com/cenkalti/rain/internal/pieceio"
)

// priorityRequest asks run() to set the priority of a set of pieces,
// used by the streaming resource to High-prioritize its preparation set
// and sliding window (§4.I).
type priorityRequest struct {
	Indices  []uint32
	Priority piece.Priority
	Done     chan struct{}
}

// hasBytesRequest asks run() whether every piece touching [fromPiece,
// toPiece] is already Verified.
type hasBytesRequest struct {
	FromPiece uint32
	ToPiece   uint32
	Result    chan bool
}

// layoutRequest asks run() for the piece/length layout of a torrent
// whose metadata has already arrived.
type layoutRequest struct {
	Result chan pieceLayout
}

type pieceLayout struct {
	PieceLength uint32
	NumPieces   uint32
	TotalLength int64
	Files       []FileLayout
	Ready       bool
}

// FileLayout is one file's name, offset and length within the torrent's
// overall byte stream, in the order listed in the info dictionary.
type FileLayout struct {
	Name   string
	Offset int64
	Length int64
}

// modeRequest switches the picker between rarest-first and sequential
// piece selection, used when a streaming resource finishes preparation
// (§4.I, §9 Q3: one Mode applies to the whole torrent; priority windows
// still apply within either mode).
type modeRequest struct {
	Sequential bool
	Done       chan struct{}
}

// pieceWaitRequest registers NotifyC to be closed the next time Index
// becomes Verified (or immediately, if it already is).
type pieceWaitRequest struct {
	Index   uint32
	NotifyC chan struct{}
}

var errNotReady = errors.New("session: torrent metadata/layout is not ready yet")

// Layout reports the piece size, total length and per-file byte ranges
// needed to address a streaming resource's offsets. It returns
// errNotReady before metadata is available (magnet still resolving).
func (t *Torrent) Layout() (pieceLength uint32, numPieces uint32, totalLength int64, files []FileLayout, err error) {
	req := layoutRequest{Result: make(chan pieceLayout, 1)}
	select {
	case t.torrent.layoutCommandC <- req:
	case <-t.removed:
		return 0, 0, 0, nil, errTorrentRemoved
	}
	l := <-req.Result
	if !l.Ready {
		return 0, 0, 0, nil, errNotReady
	}
	return l.PieceLength, l.NumPieces, l.TotalLength, l.Files, nil
}

// SetPriority marks the pieces in indices with priority pr, used by the
// streaming resource to keep its preparation set and active window
// ahead of the rarest-first picker (§4.I, §9 Q3).
func (t *Torrent) SetPriority(indices []uint32, pr piece.Priority) error {
	req := priorityRequest{Indices: indices, Priority: pr, Done: make(chan struct{})}
	select {
	case t.torrent.priorityCommandC <- req:
		<-req.Done
		return nil
	case <-t.removed:
		return errTorrentRemoved
	}
}

// HasBytes reports whether every piece covering [fromPiece, toPiece]
// has already been verified to disk.
func (t *Torrent) HasBytes(fromPiece, toPiece uint32) (bool, error) {
	req := hasBytesRequest{FromPiece: fromPiece, ToPiece: toPiece, Result: make(chan bool, 1)}
	select {
	case t.torrent.hasBytesCommandC <- req:
		return <-req.Result, nil
	case <-t.removed:
		return false, errTorrentRemoved
	}
}

// ReadRange reads length bytes starting at torrent-relative offset
// directly from disk. The caller must have already confirmed (via
// HasBytes) that the covered pieces are verified; reading through a
// gap returns whatever garbage or zero bytes the storage layer holds.
func (t *Torrent) ReadRange(offset, length int64) ([]byte, error) {
	files := t.torrent.files
	if files == nil {
		return nil, errNotReady
	}
	return pieceio.Files(files).ReadRange(offset, length)
}

// WaitPiece blocks until index is Verified, the torrent stops, or ctx is
// done, without busy-waiting: it registers a waiter with run(), which
// closes the channel once, either when handlePieceWriterResult verifies
// that piece or when handleStop drains every waiter (§4.I "no
// busy-waiting"). In the stop case it returns nil although the piece is
// not Verified.
func (t *Torrent) WaitPiece(ctx context.Context, index uint32) error {
	req := pieceWaitRequest{Index: index, NotifyC: make(chan struct{})}
	select {
	case t.torrent.waitPieceCommandC <- req:
	case <-t.removed:
		return errTorrentRemoved
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.NotifyC:
		return nil
	case <-t.removed:
		return errTorrentRemoved
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSequential switches this torrent's piece picker between
// rarest-first (false) and sequential (true) selection.
func (t *Torrent) SetSequential(sequential bool) error {
	req := modeRequest{Sequential: sequential, Done: make(chan struct{})}
	select {
	case t.torrent.modeCommandC <- req:
		<-req.Done
		return nil
	case <-t.removed:
		return errTorrentRemoved
	}
}

// handleModeRequest applies a picker mode change; called only from run().
func (t *torrent) handleModeRequest(req modeRequest) {
	if t.piecePicker != nil {
		mode := piecepicker.ModeRarest
		if req.Sequential {
			mode = piecepicker.ModeSequential
		}
		t.piecePicker.SetMode(mode)
	}
	close(req.Done)
}

// handlePriorityRequest applies a priority change; called only from run().
func (t *torrent) handlePriorityRequest(req priorityRequest) {
	if t.piecePicker != nil {
		t.piecePicker.SetPriority(req.Indices, req.Priority)
	}
	close(req.Done)
}

// handleHasBytesRequest answers a byte-range availability check; called
// only from run().
func (t *torrent) handleHasBytesRequest(req hasBytesRequest) {
	if t.piecePicker == nil {
		req.Result <- false
		return
	}
	req.Result <- t.piecePicker.HasBytes(req.FromPiece, req.ToPiece)
}

// handleLayoutRequest answers a piece-layout query; called only from run().
func (t *torrent) handleLayoutRequest(req layoutRequest) {
	if t.info == nil {
		req.Result <- pieceLayout{}
		return
	}
	var files []FileLayout
	if t.info.IsMultiFile() {
		var off int64
		for _, f := range t.info.Files {
			name := f.Path[len(f.Path)-1]
			if len(f.PathUTF8) > 0 {
				name = f.PathUTF8[len(f.PathUTF8)-1]
			}
			files = append(files, FileLayout{Name: name, Offset: off, Length: f.Length})
			off += f.Length
		}
	} else {
		files = []FileLayout{{Name: t.info.DisplayName(), Offset: 0, Length: t.info.Length}}
	}
	req.Result <- pieceLayout{
		PieceLength: t.info.PieceLength,
		NumPieces:   t.info.NumPieces,
		TotalLength: t.info.TotalLength,
		Files:       files,
		Ready:       true,
	}
}

// handleWaitPieceRequest registers (or immediately satisfies) a piece
// waiter; called only from run().
func (t *torrent) handleWaitPieceRequest(req pieceWaitRequest) {
	if int(req.Index) < len(t.pieces) && t.pieces[req.Index].State == piece.Verified {
		close(req.NotifyC)
		return
	}
	t.pieceWaiters[req.Index] = append(t.pieceWaiters[req.Index], req.NotifyC)
}

// wakePieceWaiters notifies and clears every waiter registered for a
// piece that has just been verified; called only from run().
func (t *torrent) wakePieceWaiters(index uint32) {
	for _, c := range t.pieceWaiters[index] {
		close(c)
	}
	delete(t.pieceWaiters, index)
}
