// Package storage maps a torrent's concatenated byte stream onto a
// directory tree on disk (§4.F Storage).
package storage

import "io"

// File is one entry of a torrent's file list, addressable by its byte
// range within the concatenated torrent (§3 File).
type File interface {
	Name() string
	Length() int64
	// Offset is this file's first byte within the concatenated torrent.
	Offset() int64
	Padding() bool

	io.ReaderAt
	io.WriterAt
}

// Storage is the backend that a Torrent uses to persist and retrieve
// piece data. filestorage.FileStorage is the only production
// implementation; tests may substitute an in-memory one.
type Storage interface {
	// Open allocates (sparsely) the files described by infos rooted at
	// the storage's destination directory and returns File handles in
	// the same order.
	Open(infos []FileInfo) (files []File, totalLength int64, err error)
	Close() error
}

// FileInfo is the subset of §3's File fields storage needs to lay out
// the directory tree: path segments, length and whether it is a BEP-47
// padding file (allocated but never requested/hashed).
type FileInfo struct {
	Path    []string
	Length  int64
	Padding bool
}
