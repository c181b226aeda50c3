// Package filestorage is the on-disk Storage backend: one directory tree
// per torrent, files created sparse, directories created on demand (§4.F).
package filestorage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cenkalti/rain/internal/storage"
)

// FileStorage lays out a torrent's files under a single root directory.
type FileStorage struct {
	dest string
}

// New returns a FileStorage rooted at dest. dest is created if missing.
func New(dest string) (*FileStorage, error) {
	if err := os.MkdirAll(dest, 0750); err != nil {
		return nil, err
	}
	return &FileStorage{dest: dest}, nil
}

// Dest returns the root directory this storage writes into.
func (s *FileStorage) Dest() string { return s.dest }

func (s *FileStorage) Open(infos []storage.FileInfo) ([]storage.File, int64, error) {
	files := make([]storage.File, len(infos))
	var offset int64
	for i, fi := range infos {
		full := filepath.Join(append([]string{s.dest}, fi.Path...)...)
		if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
			return nil, 0, err
		}
		f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0640)
		if err != nil {
			return nil, 0, err
		}
		if fi.Length > 0 {
			if err := f.Truncate(fi.Length); err != nil {
				f.Close()
				return nil, 0, err
			}
		}
		files[i] = &file{
			File:    f,
			name:    full,
			length:  fi.Length,
			offset:  offset,
			padding: fi.Padding,
		}
		offset += fi.Length
	}
	return files, offset, nil
}

func (s *FileStorage) Close() error { return nil }

// file wraps *os.File with a per-file lock so concurrent peer writes to
// different blocks of the same file are serialized (§5 Storage I/O is
// serialized per file via per-file locks; different files may be written
// in parallel).
type file struct {
	*os.File
	mu      sync.Mutex
	name    string
	length  int64
	offset  int64
	padding bool
}

func (f *file) Name() string    { return f.name }
func (f *file) Length() int64   { return f.length }
func (f *file) Offset() int64   { return f.offset }
func (f *file) Padding() bool   { return f.padding }

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.File.WriteAt(p, off)
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.File.ReadAt(p, off)
}
