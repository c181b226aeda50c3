package session

import (
	"crypto/rand"
	mrand "math/rand"
	"net"
	"time"

	"github.com/cenkalti/rain/internal/addrlist"
	"github.com/cenkalti/rain/internal/allocator"
	"github.com/cenkalti/rain/internal/bitfield"
	"github.com/cenkalti/rain/internal/blocklist"
	"github.com/cenkalti/rain/internal/handshaker/incominghandshaker"
	"github.com/cenkalti/rain/internal/handshaker/outgoinghandshaker"
	"github.com/cenkalti/rain/internal/infodownloader"
	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/metainfo"
	"github.com/cenkalti/rain/internal/peer"
	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/internal/piecedownloader"
	"github.com/cenkalti/rain/internal/piecepicker"
	"github.com/cenkalti/rain/internal/piecewriter"
	"github.com/cenkalti/rain/internal/resumer"
	"github.com/cenkalti/rain/internal/storage"
	"github.com/cenkalti/rain/internal/tracker"
	"github.com/cenkalti/rain/internal/verifier"
	metrics "github.com/rcrowley/go-metrics"
)

// options carries everything a Session already knows before a torrent's
// metadata/bitfield are available, used to build a torrent for either a
// freshly added .torrent/magnet or one reloaded from the resume database.
type options struct {
	Name      string
	Port      int
	Trackers  []tracker.Tracker
	Resumer   resumer.Resumer
	Blocklist *blocklist.Blocklist
	Config    *Config
	Stats     resumer.Stats
	Info      *metainfo.Info
	Bitfield  *bitfield.Bitfield
}

func randomPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-RN0100-")
	if _, err := rand.Read(id[8:]); err != nil {
		return id, err
	}
	return id, nil
}

// NewTorrent builds a torrent for infoHash, backed by sto. If o.Info is
// set the torrent has metadata immediately (skips DownloadingMetadata);
// otherwise it starts as a magnet download.
func (o *options) NewTorrent(infoHash []byte, sto storage.Storage) (*torrent, error) {
	peerID, err := randomPeerID()
	if err != nil {
		return nil, err
	}
	t := &torrent{
		config:    *o.Config,
		name:      o.Name,
		port:      o.Port,
		trackers:  o.Trackers,
		resume:    o.Resumer,
		blocklist: o.Blocklist,
		storage:   sto,
		peerID:    peerID,
		info:      o.Info,
		bitfield:  o.Bitfield,

		peers:                   make(map[*peer.Peer]struct{}),
		incomingPeers:           make(map[*peer.Peer]struct{}),
		outgoingPeers:           make(map[*peer.Peer]struct{}),
		peersSnubbed:            make(map[*peer.Peer]struct{}),
		pieceDownloaders:        make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloadersSnubbed: make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloadersChoked:  make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloaderStopC:    make(map[*peer.Peer]chan struct{}),
		infoDownloaders:         make(map[*peer.Peer]*infodownloader.InfoDownloader),
		infoDownloadersSnubbed:  make(map[*peer.Peer]*infodownloader.InfoDownloader),
		incomingHandshakers:     make(map[*incominghandshaker.IncomingHandshake]struct{}),
		outgoingHandshakers:     make(map[*outgoinghandshaker.OutgoingHandshake]struct{}),
		peerIDs:                 make(map[[20]byte]struct{}),
		connectedPeerIPs:        make(map[string]struct{}),

		peerDisconnectedC:         make(chan *peer.Peer),
		pieceMessages:             make(chan peer.PieceMessage),
		messages:                  make(chan peer.Message),
		peerSnubbedC:              make(chan *peer.Peer),
		pieceDownloaderResultC:    make(chan pieceDownloadResult),
		pieceWriterResultC:        make(chan *piecewriter.PieceWriter),
		completeC:                 make(chan struct{}),
		errC:                      make(chan error, 1),
		portC:                     make(chan int, 1),
		closeC:                    make(chan chan struct{}),
		statsCommandC:             make(chan statsRequest),
		trackersCommandC:          make(chan trackersRequest),
		peersCommandC:             make(chan peersRequest),
		startCommandC:             make(chan struct{}),
		stopCommandC:              make(chan struct{}),
		addPeersCommandC:          make(chan []*net.TCPAddr),
		priorityCommandC:          make(chan priorityRequest),
		hasBytesCommandC:          make(chan hasBytesRequest),
		layoutCommandC:            make(chan layoutRequest),
		waitPieceCommandC:         make(chan pieceWaitRequest),
		pieceWaiters:              make(map[uint32][]chan struct{}),
		modeCommandC:              make(chan modeRequest),
		addrsFromTrackers:         make(chan []*net.TCPAddr),
		incomingConnC:             make(chan net.Conn),
		incomingHandshakerResultC: make(chan *incominghandshaker.IncomingHandshake),
		outgoingHandshakerResultC: make(chan *outgoinghandshaker.OutgoingHandshake),
		infoDownloaderResultC:     make(chan *infodownloader.InfoDownloader),
		allocatorProgressC:        make(chan allocator.Progress),
		allocatorResultC:          make(chan *allocator.Allocator),
		verifierProgressC:         make(chan verifier.Progress),
		verifierResultC:           make(chan *verifier.Verifier),

		addrList:      addrlist.New(2000),
		resumerStats:  o.Stats,
		downloadSpeed: metrics.NewEWMA1(),
		uploadSpeed:   metrics.NewEWMA1(),
		log:           logger.New("torrent " + o.Name),
		rng:           mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
	copy(t.infoHash[:], infoHash)
	if o.Info != nil {
		if err := t.setInfo(o.Info); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func newPicker(pieces []piece.Piece) *piecepicker.PiecePicker {
	return piecepicker.New(pieces)
}
