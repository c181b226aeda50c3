// Package piececache keeps recently-read blocks in memory so a repeat
// read (several peers requesting the same popular piece) does not
// re-touch disk. It is a pure domain-stack addition: the teacher's
// architecture has no equivalent. The session's peer-request path is its
// only user; streaming reads (Torrent.ReadRange) go to storage directly
// and do not use it.
package piececache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Key identifies one cached block by torrent, piece and offset.
type Key struct {
	InfoHash [20]byte
	Index    uint32
	Begin    uint32
}

// Cache is an LRU cache of recently-read blocks, bounded by block
// count rather than bytes since blocks are a near-fixed size.
type Cache struct {
	lru *lru.Cache[Key, []byte]
}

// New returns a Cache holding up to maxBlocks entries.
func New(maxBlocks int) (*Cache, error) {
	l, err := lru.New[Key, []byte](maxBlocks)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

// Get returns a cached block, if present.
func (c *Cache) Get(k Key) ([]byte, bool) { return c.lru.Get(k) }

// Put stores data for k, evicting the least-recently-used entry if the
// cache is full.
func (c *Cache) Put(k Key, data []byte) { c.lru.Add(k, data) }

// RemoveTorrent drops every cached block belonging to a torrent. No
// caller in this module uses it.
func (c *Cache) RemoveTorrent(infoHash [20]byte) {
	for _, k := range c.lru.Keys() {
		if k.InfoHash == infoHash {
			c.lru.Remove(k)
		}
	}
}
