package session

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/rain/internal/acceptor"
	"github.com/cenkalti/rain/internal/addrlist"
	"github.com/cenkalti/rain/internal/allocator"
	"github.com/cenkalti/rain/internal/announcer"
	"github.com/cenkalti/rain/internal/bitfield"
	"github.com/cenkalti/rain/internal/blocklist"
	"github.com/cenkalti/rain/internal/btconn"
	"github.com/cenkalti/rain/internal/handshaker/incominghandshaker"
	"github.com/cenkalti/rain/internal/handshaker/outgoinghandshaker"
	"github.com/cenkalti/rain/internal/infodownloader"
	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/metainfo"
	"github.com/cenkalti/rain/internal/peer"
	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/internal/piececache"
	"github.com/cenkalti/rain/internal/piecedownloader"
	"github.com/cenkalti/rain/internal/piecepicker"
	"github.com/cenkalti/rain/internal/pieceio"
	"github.com/cenkalti/rain/internal/piecewriter"
	"github.com/cenkalti/rain/internal/resumer"
	"github.com/cenkalti/rain/internal/storage"
	"github.com/cenkalti/rain/internal/torrentstate"
	"github.com/cenkalti/rain/internal/tracker"
	"github.com/cenkalti/rain/internal/verifier"
	metrics "github.com/rcrowley/go-metrics"
)

// ourExtensions are the bits this engine advertises during every
// handshake: the Fast Extension (BEP-6) and the Extension Protocol
// (BEP-10, needed for ut_metadata). DHT's port message and uTP are not
// advertised because neither is wired in.
var ourExtensions = btconn.Extensions{LTEP: true, Fast: true}

// torrent drives one info-hash's download/upload lifecycle: handshakes,
// piece selection, disk I/O and tracker announces, all serialized through
// its own run() goroutine (§4, §5).
type torrent struct {
	config Config

	infoHash [20]byte
	trackers []tracker.Tracker
	name     string
	storage  storage.Storage
	port     int
	resume   resumer.Resumer

	info     *metainfo.Info
	bitfield *bitfield.Bitfield

	peerID [20]byte

	files  []storage.File
	pieces []piece.Piece

	piecePicker *piecepicker.PiecePicker

	peerDisconnectedC  chan *peer.Peer
	pieceMessages      chan peer.PieceMessage
	blockPieceMessages chan peer.PieceMessage
	messages           chan peer.Message

	peers         map[*peer.Peer]struct{}
	incomingPeers map[*peer.Peer]struct{}
	outgoingPeers map[*peer.Peer]struct{}
	peersSnubbed  map[*peer.Peer]struct{}

	pieceDownloaders        map[*peer.Peer]*piecedownloader.PieceDownloader
	pieceDownloadersSnubbed map[*peer.Peer]*piecedownloader.PieceDownloader
	pieceDownloadersChoked  map[*peer.Peer]*piecedownloader.PieceDownloader
	pieceDownloaderResultC  chan pieceDownloadResult
	pieceDownloaderStopC    map[*peer.Peer]chan struct{}
	peerSnubbedC            chan *peer.Peer

	infoDownloaders        map[*peer.Peer]*infodownloader.InfoDownloader
	infoDownloadersSnubbed map[*peer.Peer]*infodownloader.InfoDownloader
	infoDownloaderResultC  chan *infodownloader.InfoDownloader

	pieceWriterResultC chan *piecewriter.PieceWriter

	optimisticUnchokedPeers []*peer.Peer

	completeC chan struct{}
	completed bool

	errC      chan error
	portC     chan int
	lastError error

	closeC chan chan struct{}

	statsCommandC    chan statsRequest
	trackersCommandC chan trackersRequest
	peersCommandC    chan peersRequest
	startCommandC    chan struct{}
	stopCommandC     chan struct{}
	addPeersCommandC chan []*net.TCPAddr

	priorityCommandC  chan priorityRequest
	hasBytesCommandC  chan hasBytesRequest
	layoutCommandC    chan layoutRequest
	waitPieceCommandC chan pieceWaitRequest
	pieceWaiters      map[uint32][]chan struct{}
	modeCommandC      chan modeRequest

	addrsFromTrackers chan []*net.TCPAddr
	addrList          *addrlist.AddrList

	incomingConnC chan net.Conn
	peerIDs       map[[20]byte]struct{}

	acceptor *acceptor.Acceptor

	ann                *announcer.Announcer
	announceCancel     context.CancelFunc
	announceEvent      tracker.Event
	announceEventMu    sync.Mutex

	incomingHandshakers       map[*incominghandshaker.IncomingHandshake]struct{}
	outgoingHandshakers       map[*outgoinghandshaker.OutgoingHandshake]struct{}
	incomingHandshakerResultC chan *incominghandshaker.IncomingHandshake
	outgoingHandshakerResultC chan *outgoinghandshaker.OutgoingHandshake

	unchokeTimer            *time.Ticker
	unchokeTimerC           <-chan time.Time
	optimisticUnchokeTimer  *time.Ticker
	optimisticUnchokeTimerC <-chan time.Time

	alloc              *allocator.Allocator
	allocatorProgressC chan allocator.Progress
	allocatorResultC   chan *allocator.Allocator
	bytesAllocated     int64

	verif             *verifier.Verifier
	verifierProgressC chan verifier.Progress
	verifierResultC   chan *verifier.Verifier
	checkedPieces     uint32

	resumerStats          resumer.Stats
	seedDurationUpdatedAt time.Time

	connectedPeerIPs map[string]struct{}

	piecePool sync.Pool

	resumeWriteTimer  *time.Timer
	resumeWriteTimerC <-chan time.Time

	statsWriteTicker  *time.Ticker
	statsWriteTickerC <-chan time.Time

	pieceCache *piececache.Cache

	blocklist *blocklist.Blocklist

	downloadSpeed       metrics.EWMA
	uploadSpeed         metrics.EWMA
	speedCounterTicker  *time.Ticker
	speedCounterTickerC <-chan time.Time

	state     torrentstate.State
	startedAt time.Time

	rng *rand.Rand

	log logger.Logger
}

// Name returns the torrent's display name. For a magnet download this is
// the dn= hint; it is not replaced by the name in the info dictionary
// once metadata arrives, and Stats().Name reports the same value.
func (t *torrent) Name() string { return t.name }

// InfoHash is the 20-byte v1 info-hash identifying this torrent's files.
func (t *torrent) InfoHash() []byte {
	b := make([]byte, 20)
	copy(b, t.infoHash[:])
	return b
}

// checkInfoHash reports whether ih is the info-hash this torrent wants,
// used by incominghandshaker to decide whether to accept a connection.
func (t *torrent) checkInfoHash(ih [20]byte) bool { return ih == t.infoHash }

func (t *torrent) status() torrentstate.State { return t.state }

func (t *torrent) setState(s torrentstate.State) {
	if !t.state.CanTransitionTo(s) {
		t.log.Debugf("invalid state transition %s -> %s", t.state, s)
	}
	t.state = s
}

// setInfo builds the piece/block layout and (if not already present from
// resume) a fresh bitfield once info becomes known, either at
// construction time (regular .torrent) or after metadata download
// completes (magnet).
func (t *torrent) setInfo(info *metainfo.Info) error {
	t.info = info
	hashes := make([][]byte, info.NumPieces)
	for i := range hashes {
		hashes[i] = info.PieceHash(uint32(i))
	}
	t.pieces = piece.NewPieces(hashes, info.PieceLength, uint32(info.TotalLength))
	if t.bitfield == nil {
		t.bitfield = bitfield.New(info.NumPieces)
	} else if t.bitfield.Len() != info.NumPieces {
		return errors.New("session: resume bitfield length does not match info")
	}
	return nil
}

// fileInfos derives the storage.FileInfo list pieceio/storage need to
// open this torrent's files on disk, from either the v1 single/multi-file
// shape or the v2 file tree flattened into FileDict (§4.F).
func (t *torrent) fileInfos() []storage.FileInfo {
	if !t.info.IsMultiFile() {
		return []storage.FileInfo{{
			Path:   []string{t.info.DisplayName()},
			Length: t.info.Length,
		}}
	}
	infos := make([]storage.FileInfo, len(t.info.Files))
	for i, f := range t.info.Files {
		path := append([]string{t.info.DisplayName()}, f.DisplayPath()...)
		infos[i] = storage.FileInfo{Path: path, Length: f.Length, Padding: f.Padding()}
	}
	return infos
}

func (t *torrent) updateSeedDuration() {
	now := time.Now()
	if t.completed && !t.seedDurationUpdatedAt.IsZero() {
		t.resumerStats.SeededFor += now.Sub(t.seedDurationUpdatedAt)
	}
	t.seedDurationUpdatedAt = now
}
