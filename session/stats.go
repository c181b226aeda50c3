package session

import (
	"time"

	"github.com/cenkalti/rain/internal/peer"
	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/internal/torrentstate"
)

// statsRequest/trackersRequest/peersRequest carry a synchronous query
// into the torrent's run() loop: the caller blocks on Result, which is
// always buffered by one so run() never waits on a slow reader (§5).
type statsRequest struct {
	Result chan Stats
}

type trackersRequest struct {
	Result chan []TrackerStats
}

type peersRequest struct {
	Result chan []PeerStats
}

// Stats is the public snapshot of one torrent's progress and state,
// returned by Torrent.Stats().
type Stats struct {
	InfoHash        []byte
	Name            string
	Status          torrentstate.State
	Error           error
	Length          int64
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	BytesCompleted  int64
	BytesIncomplete int64
	DownloadSpeed   float64
	UploadSpeed     float64
	Peers           int
	PeersIncoming   int
	PeersOutgoing   int
	PiecesTotal     int
	PiecesVerified  int
	Port            int
	SeededFor       time.Duration
	Private         bool
}

// TrackerStats is one tracker's last-known announce outcome.
type TrackerStats struct {
	URL      string
	Status   string
	Seeders  int32
	Leechers int32
}

// PeerStats is one connected peer's identity and transfer counters.
type PeerStats struct {
	ID               [20]byte
	Addr             string
	Client           string
	Incoming         bool
	ClientInterested bool
	PeerInterested   bool
	ClientChoking    bool
	PeerChoking      bool
	DownloadSpeed    float64
	UploadSpeed      float64
}

// stats assembles the current Stats snapshot; called only from run().
func (t *torrent) stats() Stats {
	var length int64
	if t.info != nil {
		length = t.info.TotalLength
	}
	var completed int64
	var verifiedCount int
	for i := range t.pieces {
		if t.pieces[i].State == piece.Verified {
			completed += int64(t.pieces[i].Length)
			verifiedCount++
		}
	}
	var pieceCount int
	if t.info != nil {
		pieceCount = int(t.info.NumPieces)
	}
	private := t.info != nil && t.info.Private != 0
	return Stats{
		InfoHash:        t.InfoHash(),
		Name:            t.name,
		Status:          t.state,
		Error:           t.lastError,
		Length:          length,
		BytesDownloaded: t.resumerStats.BytesDownloaded,
		BytesUploaded:   t.resumerStats.BytesUploaded,
		BytesWasted:     t.resumerStats.BytesWasted,
		BytesCompleted:  completed,
		BytesIncomplete: length - completed,
		DownloadSpeed:   t.downloadSpeed.Rate(),
		UploadSpeed:     t.uploadSpeed.Rate(),
		Peers:           len(t.peers),
		PeersIncoming:   len(t.incomingPeers),
		PeersOutgoing:   len(t.outgoingPeers),
		PiecesTotal:     pieceCount,
		PiecesVerified:  verifiedCount,
		Port:            t.port,
		SeededFor:       t.resumerStats.SeededFor,
		Private:         private,
	}
}

// getTrackers reports the last-known status of every tracker this
// torrent announces to, in tier order.
func (t *torrent) getTrackers() []TrackerStats {
	out := make([]TrackerStats, 0, len(t.trackers))
	for _, tr := range t.trackers {
		out = append(out, TrackerStats{URL: tr.URL(), Status: trackerStatusString(t)})
	}
	return out
}

func trackerStatusString(t *torrent) string {
	if t.ann == nil {
		return "not started"
	}
	return "running"
}

// getPeers reports a snapshot of every currently connected peer.
func (t *torrent) getPeers() []PeerStats {
	out := make([]PeerStats, 0, len(t.peers))
	for pe := range t.peers {
		out = append(out, peerStats(pe, t))
	}
	return out
}

func peerStats(pe *peer.Peer, t *torrent) PeerStats {
	_, incoming := t.incomingPeers[pe]
	var client string
	if pe.ExtensionHandshake != nil {
		client = pe.ExtensionHandshake.V
	}
	addr := ""
	if a := pe.Addr(); a != nil {
		addr = a.String()
	}
	return PeerStats{
		ID:               pe.ID(),
		Addr:             addr,
		Client:           client,
		Incoming:         incoming,
		ClientInterested: pe.AmInterested,
		PeerInterested:   pe.PeerInterested,
		ClientChoking:    pe.AmChoking,
		PeerChoking:      pe.PeerChoking,
		DownloadSpeed:    pe.DownloadSpeed(),
		UploadSpeed:      pe.UploadSpeed(),
	}
}
