package session

import (
	"net"
	"time"
)

// Torrent is the public handle returned by Session for one torrent. All
// methods are safe to call concurrently; they communicate with the
// torrent's own run() goroutine over channels rather than touching its
// state directly (§5).
type Torrent struct {
	session   *Session
	torrent   *torrent
	id        string
	port      uint16
	createdAt time.Time
	removed   chan struct{}
}

// ID is the session-local identifier used to look this torrent back up
// via Session.GetTorrent, distinct from its info-hash.
func (t *Torrent) ID() string { return t.id }

// Name returns the torrent's display name.
func (t *Torrent) Name() string { return t.torrent.Name() }

// InfoHash is the 20-byte v1 info-hash identifying this torrent's files.
func (t *Torrent) InfoHash() []byte { return t.torrent.InfoHash() }

// CreatedAt is when this torrent was added to the session.
func (t *Torrent) CreatedAt() time.Time { return t.createdAt }

// Start begins or resumes downloading/seeding.
func (t *Torrent) Start() error {
	select {
	case t.torrent.startCommandC <- struct{}{}:
		return nil
	case <-t.removed:
		return errTorrentRemoved
	}
}

// Stop halts all network activity for this torrent; its progress is
// preserved and Start resumes it.
func (t *Torrent) Stop() error {
	select {
	case t.torrent.stopCommandC <- struct{}{}:
		return nil
	case <-t.removed:
		return errTorrentRemoved
	}
}

// Stats returns a snapshot of this torrent's current progress, state
// and transfer counters.
func (t *Torrent) Stats() (Stats, error) {
	req := statsRequest{Result: make(chan Stats, 1)}
	select {
	case t.torrent.statsCommandC <- req:
		return <-req.Result, nil
	case <-t.removed:
		return Stats{}, errTorrentRemoved
	}
}

// Trackers returns the last-known status of every tracker this torrent
// announces to.
func (t *Torrent) Trackers() ([]TrackerStats, error) {
	req := trackersRequest{Result: make(chan []TrackerStats, 1)}
	select {
	case t.torrent.trackersCommandC <- req:
		return <-req.Result, nil
	case <-t.removed:
		return nil, errTorrentRemoved
	}
}

// Peers returns a snapshot of every currently connected peer.
func (t *Torrent) Peers() ([]PeerStats, error) {
	req := peersRequest{Result: make(chan []PeerStats, 1)}
	select {
	case t.torrent.peersCommandC <- req:
		return <-req.Result, nil
	case <-t.removed:
		return nil, errTorrentRemoved
	}
}

// AddPeers injects addresses to dial directly, bypassing tracker
// discovery (used by magnet x.pe parameters and manual peer lists).
func (t *Torrent) AddPeers(addrs []*net.TCPAddr) error {
	select {
	case t.torrent.addPeersCommandC <- addrs:
		return nil
	case <-t.removed:
		return errTorrentRemoved
	}
}
