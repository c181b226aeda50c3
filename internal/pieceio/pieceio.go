// Package pieceio maps torrent-relative byte ranges onto the underlying
// storage.File set, splitting writes and reads that straddle a file
// boundary, and verifies piece hashes (§4.F).
package pieceio

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // BEP-3 mandates SHA-1 for v1 piece hashes.
	"crypto/sha256"
	"fmt"

	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/internal/storage"
)

// Files is the ordered, offset-sorted list of files a torrent owns. It
// answers torrent-offset-relative I/O by locating the files a range
// overlaps and splitting the I/O across them.
type Files []storage.File

// WriteBlock writes data at torrentOffset (already piece.Index*pieceLength
// + begin, computed by the caller which knows the nominal piece length).
func (fs Files) WriteBlock(torrentOffset int64, data []byte) error {
	return fs.writeRange(torrentOffset, data)
}

// ReadRange reads length bytes starting at torrentOffset, splitting the
// read across files as needed.
func (fs Files) ReadRange(torrentOffset int64, length int64) ([]byte, error) {
	buf := make([]byte, length)
	if err := fs.readRange(torrentOffset, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (fs Files) writeRange(off int64, data []byte) error {
	remaining := data
	cur := off
	for _, f := range fs {
		fStart := f.Offset()
		fEnd := fStart + f.Length()
		if cur >= fEnd || len(remaining) == 0 {
			continue
		}
		if cur+int64(len(remaining)) <= fStart {
			break
		}
		writeStart := cur
		if writeStart < fStart {
			writeStart = fStart
		}
		localOff := writeStart - fStart
		n := fEnd - writeStart
		if n > int64(len(remaining))-(writeStart-cur) {
			n = int64(len(remaining)) - (writeStart - cur)
		}
		if n <= 0 {
			continue
		}
		chunk := remaining[writeStart-cur : writeStart-cur+n]
		if f.Padding() {
			remaining = remaining[writeStart-cur+n:]
			cur = writeStart + n
			continue
		}
		if _, err := f.WriteAt(chunk, localOff); err != nil {
			return fmt.Errorf("pieceio: write to %s at %d: %w", f.Name(), localOff, err)
		}
		remaining = remaining[writeStart-cur+n:]
		cur = writeStart + n
	}
	return nil
}

func (fs Files) readRange(off int64, buf []byte) error {
	remaining := buf
	cur := off
	for _, f := range fs {
		fStart := f.Offset()
		fEnd := fStart + f.Length()
		if cur >= fEnd || len(remaining) == 0 {
			continue
		}
		readStart := cur
		if readStart < fStart {
			readStart = fStart
		}
		n := fEnd - readStart
		avail := int64(len(remaining)) - (readStart - cur)
		if n > avail {
			n = avail
		}
		if n <= 0 {
			continue
		}
		chunk := remaining[readStart-cur : readStart-cur+n]
		if f.Padding() {
			for i := range chunk {
				chunk[i] = 0
			}
		} else if _, err := f.ReadAt(chunk, readStart-fStart); err != nil {
			return fmt.Errorf("pieceio: read from %s at %d: %w", f.Name(), readStart-fStart, err)
		}
		remaining = remaining[readStart-cur+n:]
		cur = readStart + n
	}
	return nil
}

// VerifyPiece hashes the piece's bytes read back from storage and
// compares them to the expected hash. v2 is used when the hash is 32
// bytes (SHA-256 merkle root), v1 otherwise (20-byte SHA-1).
func VerifyPiece(fs Files, torrentOffset int64, pi *piece.Piece) (bool, error) {
	data, err := fs.ReadRange(torrentOffset, int64(pi.Length))
	if err != nil {
		return false, err
	}
	var sum []byte
	if len(pi.Hash) == sha256.Size {
		s := sha256.Sum256(data)
		sum = s[:]
	} else {
		s := sha1.Sum(data) //nolint:gosec
		sum = s[:]
	}
	return bytes.Equal(sum, pi.Hash), nil
}
