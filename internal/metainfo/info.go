package metainfo

import (
	"crypto/sha1" //nolint:gosec // BEP-3 info-hash is mandated SHA-1.
	"crypto/sha256"
	"errors"

	"github.com/zeebo/bencode"
)

// FileDict is one entry of a v1 multi-file torrent's "files" list, or a
// v2 "file tree" leaf flattened to the same shape.
type FileDict struct {
	Length   int64    `bencode:"length"`
	Path     []string `bencode:"path"`
	PathUTF8 []string `bencode:"path.utf-8"`
	Attr     string   `bencode:"attr"`
	// PiecesRoot is the v2 per-file merkle root (BEP-52), 32 bytes.
	PiecesRoot []byte `bencode:"pieces root"`
}

// Info is the parsed "info" sub-dictionary plus fields derived from it.
// Info.Bytes is always the exact bytes the hash was computed from.
type Info struct {
	Bytes       []byte // raw bencoded info dict, exactly as received
	Hash        [20]byte
	HashV2      [32]byte
	HasV2       bool
	Name        string
	NameUTF8    string
	PieceLength uint32
	Pieces      []byte // concatenated 20-byte SHA-1 hashes (v1)
	Private     int64
	MetaVersion int64

	// Single-file torrents set Length directly; multi-file/v2 sets Files.
	Length int64
	Files  []FileDict

	NumPieces   uint32
	TotalLength int64
}

type rawInfo struct {
	Name        string     `bencode:"name"`
	NameUTF8    string     `bencode:"name.utf-8"`
	PieceLength uint32     `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Private     int64      `bencode:"private"`
	MetaVersion int64      `bencode:"meta version"`
	Length      int64      `bencode:"length"`
	Files       []FileDict `bencode:"files"`
}

// NewInfo parses raw bencoded info-dict bytes exactly as sliced from the
// network or a .torrent file, and computes the info-hash by hashing
// those bytes directly rather than re-serializing them, so hash equality
// with the rest of the swarm is always preserved (§4.A).
func NewInfo(b []byte) (*Info, error) {
	var ri rawInfo
	if err := bencode.DecodeBytes(b, &ri); err != nil {
		return nil, err
	}
	if ri.MetaVersion != 2 && ri.PieceLength == 0 {
		return nil, errors.New("metainfo: zero piece length")
	}
	info := &Info{
		Bytes:       b,
		Hash:        sha1.Sum(b), //nolint:gosec
		Name:        ri.Name,
		NameUTF8:    ri.NameUTF8,
		PieceLength: ri.PieceLength,
		Pieces:      []byte(ri.Pieces),
		Private:     ri.Private,
		MetaVersion: ri.MetaVersion,
		Length:      ri.Length,
		Files:       ri.Files,
	}
	if ri.MetaVersion == 2 {
		info.HasV2 = true
		info.HashV2 = sha256.Sum256(b)
	}
	if ri.Length > 0 {
		info.TotalLength = ri.Length
	} else {
		for _, f := range ri.Files {
			info.TotalLength += f.Length
		}
	}
	switch {
	case ri.PieceLength > 0 && len(ri.Pieces) > 0:
		info.NumPieces = uint32(len(ri.Pieces)) / 20
	case ri.PieceLength > 0:
		info.NumPieces = uint32((info.TotalLength + int64(ri.PieceLength) - 1) / int64(ri.PieceLength))
	}
	return info, nil
}

// IsPrivate reports whether the "private" flag is set (BEP-27).
func (i *Info) IsPrivate() bool { return i.Private == 1 }

// PieceHash returns the expected v1 SHA-1 hash for piece index, or nil
// if the pieces string is too short (e.g. a v2-only torrent).
func (i *Info) PieceHash(index uint32) []byte {
	if int(index+1)*20 > len(i.Pieces) {
		return nil
	}
	return i.Pieces[index*20 : (index+1)*20]
}

// DisplayName prefers the UTF-8 variant of the torrent's name (§4.F).
func (i *Info) DisplayName() string {
	if i.NameUTF8 != "" {
		return i.NameUTF8
	}
	return i.Name
}

// IsMultiFile reports whether this is a multi-file (or v2 file-tree) torrent.
func (i *Info) IsMultiFile() bool { return len(i.Files) > 0 }

// DisplayPath prefers the UTF-8 variant of a file's path segments.
func (f FileDict) DisplayPath() []string {
	if len(f.PathUTF8) > 0 {
		return f.PathUTF8
	}
	return f.Path
}

// Padding reports the BEP-47 "p" attribute — allocated, never requested.
func (f FileDict) Padding() bool { return containsByte(f.Attr, 'p') }

// Executable reports the "x" attribute.
func (f FileDict) Executable() bool { return containsByte(f.Attr, 'x') }

// Hidden reports the "h" attribute.
func (f FileDict) Hidden() bool { return containsByte(f.Attr, 'h') }

// Symlink reports the "l" attribute.
func (f FileDict) Symlink() bool { return containsByte(f.Attr, 'l') }

func containsByte(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}
