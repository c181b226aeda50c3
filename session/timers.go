package session

import (
	"math/rand"
	"sort"

	"github.com/cenkalti/rain/internal/peer"
)

// tickUnchoke runs the regular (non-optimistic) half of tit-for-tat: rank
// interested peers by how much they gave us last period (or, once we're
// complete and have nothing to reciprocate for, by how much we gave them)
// and unchoke the top UnchokedPeers of them (§4.D).
func (t *torrent) tickUnchoke() {
	peers := make([]*peer.Peer, 0, len(t.peers))
	for pe := range t.peers {
		if pe.PeerInterested && !pe.OptimisticUnchoked {
			peers = append(peers, pe)
		}
	}
	if t.completed {
		sort.Slice(peers, func(i, j int) bool {
			return peers[i].BytesUploadedInChokePeriod > peers[j].BytesUploadedInChokePeriod
		})
	} else {
		sort.Slice(peers, func(i, j int) bool {
			return peers[i].BytesDownloadedInChokePeriod > peers[j].BytesDownloadedInChokePeriod
		})
	}
	for pe := range t.peers {
		pe.BytesDownloadedInChokePeriod = 0
		pe.BytesUploadedInChokePeriod = 0
	}
	var unchoked int
	for _, pe := range peers {
		if unchoked < t.config.UnchokedPeers {
			t.unchokePeer(pe)
			unchoked++
			// Already unchoked on merit; optimisticUnchoke skips this peer now.
			pe.OptimisticUnchoked = false
		} else {
			t.chokePeer(pe)
		}
	}
}

// tickOptimisticUnchoke runs tit-for-tat's other half: choke whoever the
// last round optimistically unchoked and pick a fresh, still-choked,
// interested set at random, so a peer with nothing to give us yet still
// gets an occasional chance to prove otherwise (§4.D).
func (t *torrent) tickOptimisticUnchoke() {
	peers := make([]*peer.Peer, 0, len(t.peers))
	for pe := range t.peers {
		if pe.PeerInterested && !pe.OptimisticUnchoked && pe.AmChoking {
			peers = append(peers, pe)
		}
	}

	for _, pe := range t.optimisticUnchokedPeers {
		if pe.OptimisticUnchoked {
			t.chokePeer(pe)
		}
	}
	t.optimisticUnchokedPeers = t.optimisticUnchokedPeers[:0]

	for i := 0; i < t.config.OptimisticUnchokedPeers; i++ {
		if len(peers) == 0 {
			break
		}
		pe := peers[rand.Intn(len(peers))]
		pe.OptimisticUnchoked = true
		t.unchokePeer(pe)
		t.optimisticUnchokedPeers = append(t.optimisticUnchokedPeers, pe)
	}
}
