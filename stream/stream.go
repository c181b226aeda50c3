// Package stream implements the streaming resource: a lazy,
// backpressuring byte stream over one file of a torrent, with
// prioritized piece prefetch, head/tail preparation and a sequential-
// mode switchover once preparation completes (§4.I).
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/session"
)

// State is the streaming resource's lifecycle: Preparing while the
// preparation piece set is still downloading, Streaming once it is
// all Verified and reads are served, Stopped once closed.
type State int

const (
	Preparing State = iota
	Streaming
	Stopped
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "Preparing"
	case Streaming:
		return "Streaming"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// minPrepareFraction is the fraction of a file's pieces that must be
// included in the preparation set, floored by minPreparePieces.
const minPrepareFraction = 0.08

// minPreparePieces is the floor of the preparation-piece formula, even
// for files with few pieces.
const minPreparePieces = 8

// tailPreparePieces is always included for container-trailer metadata
// (e.g. an MP4 moov atom at the end of the file).
const tailPreparePieces = 3

// windowSize bounds a single poll's read-ahead request.
const windowSize = 256 * 1024

var (
	// ErrStopped is returned by Read once the stream has been stopped.
	ErrStopped = errors.New("stream: stopped")
)

// Stream is one open streaming session over a byte range of a torrent
// file.
type Stream struct {
	t        *session.Torrent
	filename string

	fileOffset int64 // torrent-relative offset of the streamed file
	fileLength int64

	pieceLength uint32

	// start/end are torrent-relative, with end the EXCLUSIVE byte just
	// past the last byte the caller will be given — the usual Go
	// half-open convention. This is NOT the convention OpenRange's own
	// start/end parameters use: those follow stream_range(a, b), where
	// b is the last byte INDEX included (§8 scenario (c): on the
	// 5-byte fixture "lorem", stream_range(1, Some(3)) yields "ore",
	// the 3 bytes at indices 1-3 inclusive, with content_range() ==
	// "bytes 1-3/5"). resolveRange converts the inclusive b into this
	// struct's exclusive end.
	start, end int64
	cursor     int64

	mu    sync.Mutex
	state State
}

// Open starts streaming fileIndex's full contents. fileIndex is the
// index into the list Torrent.Layout() returns; pass 0 for a
// single-file torrent.
func Open(ctx context.Context, t *session.Torrent, fileIndex int) (*Stream, error) {
	return OpenRange(ctx, t, fileIndex, 0, -1)
}

// OpenRange starts streaming fileIndex's bytes [start, end] (both
// inclusive, stream_range(a, b) convention). end == -1 means to the
// end of the file.
func OpenRange(ctx context.Context, t *session.Torrent, fileIndex int, start, end int64) (*Stream, error) {
	pieceLength, _, _, files, err := t.Layout()
	if err != nil {
		return nil, err
	}
	if fileIndex < 0 || fileIndex >= len(files) {
		return nil, fmt.Errorf("stream: file index %d out of range", fileIndex)
	}
	f := files[fileIndex]
	exclusiveEnd, err := resolveRange(f.Length, start, end)
	if err != nil {
		return nil, err
	}

	s := &Stream{
		t:           t,
		filename:    f.Name,
		fileOffset:  f.Offset,
		fileLength:  f.Length,
		pieceLength: pieceLength,
		start:       f.Offset + start,
		end:         f.Offset + exclusiveEnd,
		cursor:      f.Offset + start,
		state:       Preparing,
	}
	if err := s.prepare(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// resolveRange validates a stream_range(start, end) request against a
// file of the given length and converts its inclusive end (or -1 for
// "to EOF") into an exclusive upper bound, e.g. resolveRange(5, 1, 3)
// == (4, nil): bytes at indices 1, 2, 3.
func resolveRange(fileLength, start, end int64) (exclusiveEnd int64, err error) {
	exclusiveEnd = fileLength
	if end != -1 {
		exclusiveEnd = end + 1
	}
	if start < 0 || start > exclusiveEnd || exclusiveEnd > fileLength {
		return 0, fmt.Errorf("stream: invalid range [%d, %d] for file of length %d", start, end, fileLength)
	}
	return exclusiveEnd, nil
}

// prepare High-prioritizes the preparation piece set (first pieces
// covering minPrepareFraction of the file, floored by minPreparePieces,
// plus the file's last tailPreparePieces) and blocks until every one of
// them is Verified, then switches the torrent to sequential-mode piece
// selection for the remainder of the stream.
func (s *Stream) prepare(ctx context.Context) error {
	firstPiece := uint32(s.fileOffset / int64(s.pieceLength))
	lastPiece := uint32((s.fileOffset + s.fileLength - 1) / int64(s.pieceLength))
	filePieces := lastPiece - firstPiece + 1

	prepareCount := uint32(math.Ceil(minPrepareFraction * float64(filePieces)))
	if prepareCount < minPreparePieces {
		prepareCount = minPreparePieces
	}
	if prepareCount > filePieces {
		prepareCount = filePieces
	}

	set := make(map[uint32]struct{}, prepareCount+tailPreparePieces)
	for i := uint32(0); i < prepareCount; i++ {
		set[firstPiece+i] = struct{}{}
	}
	for i := uint32(0); i < tailPreparePieces && i < filePieces; i++ {
		set[lastPiece-i] = struct{}{}
	}

	indices := make([]uint32, 0, len(set))
	for idx := range set {
		indices = append(indices, idx)
	}

	if err := s.t.SetPriority(indices, piece.PriorityHigh); err != nil {
		return err
	}
	for _, idx := range indices {
		if err := s.t.WaitPiece(ctx, idx); err != nil {
			return err
		}
	}

	if err := s.t.SetSequential(true); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = Streaming
	s.mu.Unlock()
	return nil
}

// Filename is the streamed file's display name.
func (s *Stream) Filename() string { return s.filename }

// State reports the stream's current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Range returns the requested sub-range, file-relative (not
// torrent-relative), in the same inclusive-end convention OpenRange
// takes (§8 property 6/scenario (c)): for stream_range(1, 3) on a
// 5-byte file, Range returns (1, 3), not (1, 2).
func (s *Stream) Range() (start, end int64) {
	return s.start - s.fileOffset, s.end - s.fileOffset - 1
}

// ResourceLen is the total number of bytes this stream will yield.
func (s *Stream) ResourceLen() int64 { return s.end - s.start }

// ContentRange formats the stream's range as an HTTP Content-Range
// value, e.g. "bytes 1-3/5" (end inclusive, against the full file
// length, not the requested range length).
func (s *Stream) ContentRange() string {
	start, end := s.Range()
	return fmt.Sprintf("bytes %d-%d/%d", start, end, s.fileLength)
}

// Read implements io.Reader, blocking until the next requested window
// is Verified rather than returning early (the Go equivalent of the
// Preparing/Pending poll cycle: context.Context stands in for the
// waker, see OpenRange).
func (s *Stream) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext is Read with an explicit cancellation context, so an
// HTTP handler can abandon a stalled read when its client disconnects.
func (s *Stream) ReadContext(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	state := s.state
	cursor := s.cursor
	end := s.end
	s.mu.Unlock()

	if state == Stopped {
		return 0, ErrStopped
	}
	if cursor >= end {
		return 0, io.EOF
	}

	windowEnd := cursor + windowSize
	if windowEnd > end {
		windowEnd = end
	}
	fromPiece := uint32(cursor / int64(s.pieceLength))
	toPiece := uint32((windowEnd - 1) / int64(s.pieceLength))

	has, err := s.t.HasBytes(fromPiece, toPiece)
	if err != nil {
		return 0, err
	}
	if !has {
		indices := make([]uint32, 0, toPiece-fromPiece+1)
		for idx := fromPiece; idx <= toPiece; idx++ {
			indices = append(indices, idx)
		}
		if err := s.t.SetPriority(indices, piece.PriorityHigh); err != nil {
			return 0, err
		}
		for _, idx := range indices {
			if err := s.t.WaitPiece(ctx, idx); err != nil {
				return 0, err
			}
		}
	}

	length := windowEnd - cursor
	if int64(len(p)) < length {
		length = int64(len(p))
		windowEnd = cursor + length
	}
	data, err := s.t.ReadRange(cursor, length)
	if err != nil {
		return 0, err
	}
	n := copy(p, data)

	s.mu.Lock()
	s.cursor += int64(n)
	s.mu.Unlock()
	return n, nil
}

// Stop ends the stream; subsequent reads return ErrStopped.
func (s *Stream) Stop() {
	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()
}
