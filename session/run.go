package session

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/rain/internal/acceptor"
	"github.com/cenkalti/rain/internal/addrlist"
	"github.com/cenkalti/rain/internal/allocator"
	"github.com/cenkalti/rain/internal/announcer"
	"github.com/cenkalti/rain/internal/handshaker/incominghandshaker"
	"github.com/cenkalti/rain/internal/handshaker/outgoinghandshaker"
	"github.com/cenkalti/rain/internal/metainfo"
	"github.com/cenkalti/rain/internal/peer"
	"github.com/cenkalti/rain/internal/peerconn"
	"github.com/cenkalti/rain/internal/peerprotocol"
	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/internal/piececache"
	"github.com/cenkalti/rain/internal/pieceio"
	"github.com/cenkalti/rain/internal/resumer/boltdbresumer"
	"github.com/cenkalti/rain/internal/torrentstate"
	"github.com/cenkalti/rain/internal/tracker"
	"github.com/cenkalti/rain/internal/verifier"
)

// run is the torrent's single-goroutine event loop: every field access
// not guarded by its own mutex happens here, so state never needs
// locking across the rest of the package (§5).
func (t *torrent) run() {
	t.startedAt = time.Now()
	defer t.cleanup()

	for {
		var announceNotify chan announcer.Result
		if t.ann != nil {
			announceNotify = t.ann.Notify
		}
		select {
		case <-t.startCommandC:
			t.handleStart()
		case <-t.stopCommandC:
			t.handleStop(nil)
		case req := <-t.statsCommandC:
			req.Result <- t.stats()
		case req := <-t.trackersCommandC:
			req.Result <- t.getTrackers()
		case req := <-t.peersCommandC:
			req.Result <- t.getPeers()
		case req := <-t.priorityCommandC:
			t.handlePriorityRequest(req)
		case req := <-t.hasBytesCommandC:
			t.handleHasBytesRequest(req)
		case req := <-t.layoutCommandC:
			t.handleLayoutRequest(req)
		case req := <-t.waitPieceCommandC:
			t.handleWaitPieceRequest(req)
		case req := <-t.modeCommandC:
			t.handleModeRequest(req)
		case addrs := <-t.addPeersCommandC:
			t.addrList.Push(addrs, addrlist.Manual)
			t.dialNewPeers()
		case addrs := <-t.addrsFromTrackers:
			t.addrList.Push(addrs, addrlist.Tracker)
			t.dialNewPeers()
		case res := <-announceNotify:
			t.handleAnnounceResult(res)
		case conn := <-t.incomingConnC:
			t.handleIncomingConn(conn)
		case h := <-t.incomingHandshakerResultC:
			t.handleIncomingHandshakeResult(h)
		case h := <-t.outgoingHandshakerResultC:
			t.handleOutgoingHandshakeResult(h)
		case pe := <-t.peerDisconnectedC:
			t.handlePeerDisconnected(pe)
		case pe := <-t.peerSnubbedC:
			t.handlePeerSnubbed(pe)
		case msg := <-t.messages:
			t.handlePeerMessage(msg)
		case pm := <-t.pieceMessages:
			t.handlePieceMessage(pm)
		case r := <-t.pieceDownloaderResultC:
			t.handlePieceDownloadResult(r)
		case id := <-t.infoDownloaderResultC:
			t.completeInfoDownload(id)
		case a := <-t.allocatorResultC:
			t.handleAllocationDone(a)
		case p := <-t.allocatorProgressC:
			t.bytesAllocated = p.AllocatedSize
		case v := <-t.verifierResultC:
			t.handleVerificationDone(v)
		case p := <-t.verifierProgressC:
			t.checkedPieces = p.Checked
		case w := <-t.pieceWriterResultC:
			t.handlePieceWriterResult(w)
		case <-t.unchokeTimerC:
			t.tickUnchoke()
		case <-t.optimisticUnchokeTimerC:
			t.tickOptimisticUnchoke()
		case <-t.resumeWriteTimerC:
			t.writeResumeBitfield()
			t.resetResumeWriteTimer()
		case <-t.statsWriteTickerC:
			t.writeStats()
		case <-t.speedCounterTickerC:
			t.tickSpeedCounters()
		case doneC := <-t.closeC:
			t.handleStop(nil)
			close(doneC)
			return
		}
	}
}

// handleStart transitions a NotStarted/Stopped torrent into its
// metadata-download or verification path and opens the listening port.
func (t *torrent) handleStart() {
	switch t.state {
	case torrentstate.Downloading, torrentstate.Seeding, torrentstate.CheckingFiles,
		torrentstate.Allocating, torrentstate.DownloadingMetadata:
		return
	}
	a, err := acceptor.New(int(t.config.PortBegin), int(t.config.PortEnd))
	if err != nil {
		t.handleStop(err)
		return
	}
	t.acceptor = a
	t.port = a.Port
	go a.Run()
	go t.forwardAcceptorConns(a)

	t.unchokeTimer = time.NewTicker(t.config.UnchokeInterval)
	t.unchokeTimerC = t.unchokeTimer.C
	t.optimisticUnchokeTimer = time.NewTicker(t.config.OptimisticUnchokeInterval)
	t.optimisticUnchokeTimerC = t.optimisticUnchokeTimer.C
	t.statsWriteTicker = time.NewTicker(t.config.StatsWriteInterval)
	t.statsWriteTickerC = t.statsWriteTicker.C
	t.speedCounterTicker = time.NewTicker(time.Second)
	t.speedCounterTickerC = t.speedCounterTicker.C
	t.resetResumeWriteTimer()

	if len(t.trackers) > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		t.announceCancel = cancel
		tiers := make([][]tracker.Tracker, len(t.trackers))
		for i, tr := range t.trackers {
			tiers[i] = []tracker.Tracker{tr}
		}
		t.ann = announcer.New(tiers, t.config.TrackerMinAnnounceInterval)
		t.announceEventMu.Lock()
		t.announceEvent = tracker.EventStarted
		t.announceEventMu.Unlock()
		go t.ann.Run(ctx, t.announceProgress, t.currentAnnounceEvent, t.config.TrackerNumWant)
	}

	if t.resume != nil {
		t.resume.WriteStarted(true)
	}

	if t.info == nil {
		t.setState(torrentstate.DownloadingMetadata)
		t.dialNewPeers()
		return
	}
	t.beginVerification()
}

func (t *torrent) resetResumeWriteTimer() {
	if t.resumeWriteTimer != nil {
		t.resumeWriteTimer.Stop()
	}
	t.resumeWriteTimer = time.NewTimer(t.config.BitfieldWriteInterval)
	t.resumeWriteTimerC = t.resumeWriteTimer.C
}

// beginVerification starts (or skips, if the resume bitfield is already
// trusted) a CheckingFiles pass once metadata/files are known.
func (t *torrent) beginVerification() {
	t.setState(torrentstate.Allocating)
	t.alloc = allocator.New(t.storage, t.fileInfos(), t.allocatorProgressC, t.allocatorResultC)
	go t.alloc.Run()
}

func (t *torrent) handleAllocationDone(a *allocator.Allocator) {
	if a.Error != nil {
		t.handleStop(a.Error)
		return
	}
	t.files = a.Files
	t.piecePicker = newPicker(t.pieces)
	if t.bitfield != nil && t.bitfield.Count() > 0 {
		t.applyTrustedBitfield()
		t.afterFilesReady()
		return
	}
	t.setState(torrentstate.CheckingFiles)
	t.verif = verifier.New(t.pieces, pieceio.Files(t.files), t.verifierProgressC, t.verifierResultC)
	go t.verif.Run()
}

// applyTrustedBitfield marks pieces Verified per the resume bitfield
// without re-hashing, the fast path when a clean shutdown already wrote
// a trustworthy bitfield (§4.F).
func (t *torrent) applyTrustedBitfield() {
	for i := range t.pieces {
		if t.bitfield.Test(uint32(i)) {
			t.pieces[i].State = piece.Verified
			t.piecePicker.HandleHave(uint32(i))
		}
	}
}

func (t *torrent) handleVerificationDone(v *verifier.Verifier) {
	t.verif = nil
	if v.Error != nil {
		t.handleStop(v.Error)
		return
	}
	for i, ok := range v.Bitfield {
		if ok {
			t.pieces[i].State = piece.Verified
			t.bitfield.Set(uint32(i))
			t.piecePicker.HandleHave(uint32(i))
		}
	}
	t.afterFilesReady()
}

// afterFilesReady moves into Seeding or Downloading once pieces/files
// are known-good, opens the piece cache, and kicks off peer discovery.
func (t *torrent) afterFilesReady() {
	if t.pieceCache == nil {
		if cache, err := piececache.New(t.config.PieceCacheSize); err == nil {
			t.pieceCache = cache
		}
	}
	t.checkCompletion()
	if !t.completed && t.state != torrentstate.Seeding {
		t.setState(torrentstate.Downloading)
	}
	t.dialNewPeers()
	t.startPieceDownloaders()
}

// checkCompletion transitions to Seeding and fires completeC the first
// time every piece becomes Verified.
func (t *torrent) checkCompletion() {
	if t.completed || t.piecePicker == nil {
		return
	}
	if !t.piecePicker.Done() {
		return
	}
	t.completed = true
	t.setState(torrentstate.Seeding)
	t.updateSeedDuration()
	t.announceEventMu.Lock()
	t.announceEvent = tracker.EventCompleted
	t.announceEventMu.Unlock()
	select {
	case t.completeC <- struct{}{}:
	default:
	}
	t.writeResumeBitfield()
}

// handlePieceWriterResult re-reads the just-written piece from disk and
// hashes it before trusting it: the assembled in-memory buffer came from
// the network, so verification only counts once it has round-tripped
// through storage (§4.F).
func (t *torrent) handlePieceWriterResult(pw *piecewriter.PieceWriter) {
	index := pw.Piece.Index
	t.pieces[index].Writing = false
	if pw.Error != nil {
		t.log.Errorln("cannot write piece to disk:", pw.Error)
		t.pieces[index].State = piece.Missing
		if t.piecePicker != nil {
			t.piecePicker.MarkFailed(index)
		}
		return
	}
	ok, err := pieceio.VerifyPiece(pieceio.Files(t.files), int64(index)*int64(t.info.PieceLength), pw.Piece)
	if err != nil {
		t.log.Errorln("cannot verify written piece:", err)
		t.pieces[index].State = piece.Missing
		return
	}
	if !ok {
		t.log.Debugln("piece failed hash check after write, index:", index)
		t.pieces[index].State = piece.Missing
		if t.piecePicker != nil {
			t.piecePicker.MarkFailed(index)
		}
		t.startPieceDownloaders()
		return
	}
	t.pieces[index].State = piece.Verified
	t.pieces[index].Done = true
	t.bitfield.Set(index)
	if t.piecePicker != nil {
		t.piecePicker.MarkVerified(index)
	}
	for pe := range t.peers {
		pe.SendMessage(peerprotocol.HaveMessage{Index: index})
	}
	t.wakePieceWaiters(index)
	t.checkCompletion()
	t.startPieceDownloaders()
}

// handleStop tears down every background goroutine and transitions to
// Stopped, recording err (if any) as the last error surfaced to Stats().
func (t *torrent) handleStop(err error) {
	if err != nil {
		t.lastError = err
		t.setState(torrentstate.Error)
	} else if t.state == torrentstate.NotStarted || t.state == torrentstate.Stopped {
		return
	} else {
		t.setState(torrentstate.Stopping)
	}

	if t.acceptor != nil {
		t.acceptor.Close()
		t.acceptor = nil
	}
	if t.announceCancel != nil {
		t.announceCancel()
		t.ann.Stop()
		t.announceCancel = nil
		t.ann = nil
	}
	for ih := range t.incomingHandshakers {
		ih.Close()
	}
	for oh := range t.outgoingHandshakers {
		oh.Close()
	}
	for pe := range t.peers {
		t.closePeer(pe)
	}
	if t.verif != nil {
		t.verif.Stop()
		t.verif = nil
	}
	t.alloc = nil
	if t.unchokeTimer != nil {
		t.unchokeTimer.Stop()
		t.unchokeTimer = nil
	}
	if t.optimisticUnchokeTimer != nil {
		t.optimisticUnchokeTimer.Stop()
		t.optimisticUnchokeTimer = nil
	}
	if t.statsWriteTicker != nil {
		t.statsWriteTicker.Stop()
		t.statsWriteTicker = nil
	}
	if t.speedCounterTicker != nil {
		t.speedCounterTicker.Stop()
		t.speedCounterTicker = nil
	}
	if t.resumeWriteTimer != nil {
		t.resumeWriteTimer.Stop()
		t.resumeWriteTimer = nil
	}
	t.updateSeedDuration()
	if err == nil {
		t.setState(torrentstate.Stopped)
	}
	if t.resume != nil {
		t.resume.WriteStarted(false)
	}
	for index, waiters := range t.pieceWaiters {
		for _, c := range waiters {
			close(c)
		}
		delete(t.pieceWaiters, index)
	}
}

func (t *torrent) cleanup() {
	if t.storage != nil {
		t.storage.Close()
	}
}

// closePeer disconnects pe and reverses its bookkeeping: picker
// availability, active downloaders, connected-IP tracking.
func (t *torrent) closePeer(pe *peer.Peer) {
	if pd, ok := t.pieceDownloaders[pe]; ok {
		t.closePieceDownloader(pd)
	}
	if id, ok := t.infoDownloaders[pe]; ok {
		t.closeInfoDownloader(id)
	}
	if t.piecePicker != nil && pe.Bitfield != nil {
		t.piecePicker.HandlePeerGone(pe.Bitfield)
	}
	delete(t.peers, pe)
	delete(t.incomingPeers, pe)
	delete(t.outgoingPeers, pe)
	delete(t.peersSnubbed, pe)
	delete(t.peerIDs, pe.ID())
	if addr := pe.Addr(); addr != nil {
		delete(t.connectedPeerIPs, addr.IP.String())
	}
	pe.Close()
}

func (t *torrent) chokePeer(pe *peer.Peer) {
	if !pe.AmChoking {
		pe.AmChoking = true
		pe.SendMessage(peerprotocol.ChokeMessage{})
	}
}

func (t *torrent) unchokePeer(pe *peer.Peer) {
	if pe.AmChoking {
		pe.AmChoking = false
		pe.SendMessage(peerprotocol.UnchokeMessage{})
	}
}

func (t *torrent) handlePeerSnubbed(pe *peer.Peer) {
	t.peersSnubbed[pe] = struct{}{}
	if pd, ok := t.pieceDownloaders[pe]; ok {
		t.pieceDownloadersSnubbed[pe] = pd
	}
}

// startAllocation re-enters the Allocating/CheckingFiles path once
// metadata has just arrived via BEP-9.
func (t *torrent) startAllocation() {
	t.beginVerification()
}

// stop is the internal error path: equivalent to a Stop command but
// carrying the error that caused it.
func (t *torrent) stop(err error) {
	select {
	case t.errC <- err:
	default:
	}
	t.handleStop(err)
}

// resumeSpecForInfo builds the persisted record once metadata arrives
// over BEP-9, so a later resume load does not need to re-download it.
func resumeSpecForInfo(t *torrent, info *metainfo.Info) *boltdbresumer.Spec {
	urls := make([]string, len(t.trackers))
	for i, tr := range t.trackers {
		urls[i] = tr.URL()
	}
	return &boltdbresumer.Spec{
		InfoHash:  t.infoHash[:],
		Port:      t.port,
		Name:      t.name,
		Trackers:  urls,
		Info:      info.Bytes,
		CreatedAt: t.startedAt,
	}
}

// writeResumeBitfield persists the current piece bitmap, the
// highest-frequency resume write (§6).
func (t *torrent) writeResumeBitfield() {
	if t.resume == nil || t.bitfield == nil {
		return
	}
	t.resume.WriteBitfield(t.bitfield.Bytes())
}

func (t *torrent) writeStats() {
	if t.resume == nil {
		return
	}
	t.resume.WriteStats(t.resumerStats)
}

func (t *torrent) tickSpeedCounters() {
	t.downloadSpeed.Tick()
	t.uploadSpeed.Tick()
	for pe := range t.peers {
		pe.Tick()
	}
}

// announceProgress/currentAnnounceEvent are passed to the announcer so
// it always sees up-to-date counters. announceEventMu guards the one
// field (announceEvent) that both this goroutine and the announcer's
// own goroutine touch; every other torrent field is only ever read
// from the run() goroutine.
func (t *torrent) announceProgress() *tracker.Torrent {
	return &tracker.Torrent{
		BytesUploaded:   t.resumerStats.BytesUploaded,
		BytesDownloaded: t.resumerStats.BytesDownloaded,
		BytesLeft:       t.bytesLeft(),
		InfoHash:        t.infoHash,
		PeerID:          t.peerID,
		Port:            t.port,
	}
}

func (t *torrent) currentAnnounceEvent() tracker.Event {
	t.announceEventMu.Lock()
	defer t.announceEventMu.Unlock()
	e := t.announceEvent
	if e == tracker.EventStarted || e == tracker.EventCompleted {
		t.announceEvent = tracker.EventNone
	}
	return e
}

func (t *torrent) bytesLeft() int64 {
	if t.info == nil {
		return 0
	}
	var left int64
	for i := range t.pieces {
		if t.pieces[i].State != piece.Verified {
			left += int64(t.pieces[i].Length)
		}
	}
	return left
}

func (t *torrent) handleAnnounceResult(res announcer.Result) {
	if res.Error != nil {
		t.log.Debugln("announce error:", res.Error)
		return
	}
	addrs := make([]*net.TCPAddr, 0, len(res.Response.Peers))
	addrs = append(addrs, res.Response.Peers...)
	if len(addrs) == 0 {
		return
	}
	t.addrList.Push(addrs, addrlist.Tracker)
	t.dialNewPeers()
}

func (t *torrent) forwardAcceptorConns(a *acceptor.Acceptor) {
	for conn := range a.NewConns {
		select {
		case t.incomingConnC <- conn:
		case <-t.closeC:
			conn.Close()
			return
		}
	}
}

func (t *torrent) handleIncomingConn(conn net.Conn) {
	if len(t.incomingHandshakers) >= t.config.MaxPeerAccept {
		conn.Close()
		return
	}
	if t.blocklist != nil {
		if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok && t.blocklist.Blocked(tcpAddr.IP) {
			conn.Close()
			return
		}
	}
	h := incominghandshaker.New(conn)
	t.incomingHandshakers[h] = struct{}{}
	go h.Run(t.peerID, t.checkInfoHash, t.incomingHandshakerResultC, t.config.PeerHandshakeTimeout, ourExtensions)
}

func (t *torrent) handleIncomingHandshakeResult(h *incominghandshaker.IncomingHandshake) {
	delete(t.incomingHandshakers, h)
	if h.Error != nil {
		return
	}
	t.addActivePeer(h.Conn, h.PeerID, h.Extensions, true)
}

func (t *torrent) dialNewPeers() {
	for len(t.outgoingHandshakers) < t.config.MaxPeerDial {
		addr := t.addrList.Pop()
		if addr == nil {
			return
		}
		if _, ok := t.connectedPeerIPs[addr.IP.String()]; ok {
			continue
		}
		if t.blocklist != nil && t.blocklist.Blocked(addr.IP) {
			continue
		}
		h := outgoinghandshaker.New(addr)
		t.outgoingHandshakers[h] = struct{}{}
		go h.Run(t.config.PeerConnectTimeout, t.config.PeerHandshakeTimeout, t.peerID, t.infoHash, t.outgoingHandshakerResultC, ourExtensions)
	}
}

func (t *torrent) handleOutgoingHandshakeResult(h *outgoinghandshaker.OutgoingHandshake) {
	delete(t.outgoingHandshakers, h)
	if h.Error != nil {
		return
	}
	t.addActivePeer(h.Conn, h.PeerID, h.Extensions, false)
}

func (t *torrent) addActivePeer(conn net.Conn, peerID [20]byte, extensions [8]byte, incoming bool) {
	if _, ok := t.peerIDs[peerID]; ok {
		conn.Close()
		return
	}
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		if _, ok := t.connectedPeerIPs[tcpAddr.IP.String()]; ok {
			conn.Close()
			return
		}
		t.connectedPeerIPs[tcpAddr.IP.String()] = struct{}{}
	}
	t.peerIDs[peerID] = struct{}{}
	pc := peerconn.New(conn, peerID, extensions, t.log, t.config.PieceTimeout, t.config.PeerReadBufferSize)
	pe := peer.New(pc, t.config.RequestTimeout)
	t.peers[pe] = struct{}{}
	if incoming {
		t.incomingPeers[pe] = struct{}{}
	} else {
		t.outgoingPeers[pe] = struct{}{}
	}
	go pe.Run(t.messages, t.pieceMessages, t.peerSnubbedC, t.peerDisconnectedC)
	t.sendFirstMessages(pe)
}

// sendFirstMessages sends our bitfield/extension-handshake immediately
// after a peer becomes active (§4.B/D).
func (t *torrent) sendFirstMessages(pe *peer.Peer) {
	if t.info != nil && t.bitfield != nil && t.bitfield.Count() > 0 {
		pe.SendMessage(peerprotocol.BitfieldMessage{Data: t.bitfield.Bytes()})
	}
	var metadataSize uint32
	if t.info != nil {
		metadataSize = uint32(len(t.info.Bytes))
	}
	hs := peerprotocol.NewExtensionHandshake(metadataSize, t.config.ExtensionHandshakeClientVersion, nil)
	pe.SendMessage(peerprotocol.ExtensionMessage{
		ExtendedMessageID: peerprotocol.ExtensionIDHandshake,
		Payload:           hs,
	})
}

func (t *torrent) handlePeerDisconnected(pe *peer.Peer) {
	t.closePeer(pe)
}
