package session

import (
	"github.com/cenkalti/rain/internal/bitfield"
	"github.com/cenkalti/rain/internal/infodownloader"
	"github.com/cenkalti/rain/internal/metainfo"
	"github.com/cenkalti/rain/internal/peer"
	"github.com/cenkalti/rain/internal/peerprotocol"
	"github.com/cenkalti/rain/internal/piece"
	"github.com/cenkalti/rain/internal/piececache"
	"github.com/cenkalti/rain/internal/piecedownloader"
	"github.com/cenkalti/rain/internal/pieceio"
	"github.com/cenkalti/rain/internal/piecewriter"
)

// handlePeerMessage dispatches one non-piece message from pm.Peer. Piece
// messages arrive on a separate channel (handlePieceMessage) so disk
// writes are never starved by control-message volume (§5).
func (t *torrent) handlePeerMessage(pm peer.Message) {
	pe := pm.Peer
	switch m := pm.Message.(type) {
	case peerprotocol.ChokeMessage:
		t.handleChoke(pe)
	case peerprotocol.UnchokeMessage:
		t.handleUnchoke(pe)
	case peerprotocol.InterestedMessage:
		// PeerInterested is already updated by peer.Peer.Run; nothing
		// else to do until the next unchoke tick considers this peer.
	case peerprotocol.NotInterestedMessage:
	case peerprotocol.HaveMessage:
		t.handleHave(pe, m.Index)
	case peerprotocol.BitfieldMessage:
		t.handleBitfield(pe, m.Data)
	case peerprotocol.HaveAllMessage:
		t.handleHaveAll(pe)
	case peerprotocol.HaveNoneMessage:
		t.handleHaveNone(pe)
	case peerprotocol.RequestMessage:
		t.handleRequest(pe, m)
	case peerprotocol.CancelMessage:
		// Outbound piece writes are not queued far enough ahead for a
		// cancel to usefully abort one; the request is simply not
		// reissued if a second block for the same offset never arrives.
	case peerprotocol.RejectMessage:
		t.handleReject(pe, m)
	case peerprotocol.AllowedFastMessage:
		// Fast Extension's allowed-fast set is accepted but does not
		// currently change piece selection beyond what rarest-first
		// already does.
	case peerprotocol.ExtensionMessage:
		t.handleExtensionMessage(pe, m)
	case peerprotocol.HashRequestMessage:
		pe.SendMessage(peerprotocol.HashRejectMessage{PiecesRoot: m.PiecesRoot, BaseLayer: m.BaseLayer, Index: m.Index, Length: m.Length, ProofLayers: m.ProofLayers})
	}
}

func (t *torrent) handleChoke(pe *peer.Peer) {
	if pd, ok := t.pieceDownloaders[pe]; ok {
		t.pieceDownloadersChoked[pe] = pd
		pd.ChokeC <- struct{}{}
	}
}

func (t *torrent) handleUnchoke(pe *peer.Peer) {
	delete(t.pieceDownloadersChoked, pe)
	if pd, ok := t.pieceDownloaders[pe]; ok {
		pd.UnchokeC <- struct{}{}
	}
	t.startPieceDownloaders()
}

func (t *torrent) handleHave(pe *peer.Peer, index uint32) {
	if pe.Bitfield == nil {
		return
	}
	pe.Bitfield.Set(index)
	if t.piecePicker != nil {
		t.piecePicker.HandleHave(index)
	}
	t.updateInterestedState(pe)
	t.startPieceDownloaders()
}

func (t *torrent) handleBitfield(pe *peer.Peer, data []byte) {
	if t.info == nil {
		return
	}
	bf, err := bitfield.NewBytes(data, t.info.NumPieces)
	if err != nil {
		t.log.Debugln("invalid bitfield from peer, dropping:", err)
		t.blockPeer(pe)
		return
	}
	pe.Bitfield = bf
	if t.piecePicker != nil {
		t.piecePicker.HandleBitfield(bf)
	}
	t.updateInterestedState(pe)
	t.startPieceDownloaders()
}

func (t *torrent) handleHaveAll(pe *peer.Peer) {
	if t.info == nil {
		return
	}
	bf := bitfield.New(t.info.NumPieces)
	bf.SetAll()
	pe.Bitfield = bf
	if t.piecePicker != nil {
		t.piecePicker.HandleBitfield(bf)
	}
	t.updateInterestedState(pe)
	t.startPieceDownloaders()
}

func (t *torrent) handleHaveNone(pe *peer.Peer) {
	if t.info == nil {
		return
	}
	pe.Bitfield = bitfield.New(t.info.NumPieces)
	t.updateInterestedState(pe)
}

func (t *torrent) blockPeer(pe *peer.Peer) {
	if t.blocklist != nil {
		t.blocklist.Block(pe.Addr().IP)
	}
	t.closePeer(pe)
}

// updateInterestedState recomputes AmInterested for pe against the
// current bitfield/priority state and sends Interested/NotInterested if
// it changed (§4.D).
func (t *torrent) updateInterestedState(pe *peer.Peer) {
	if pe.Bitfield == nil || t.piecePicker == nil {
		return
	}
	interesting := false
	for i := uint32(0); i < pe.Bitfield.Len(); i++ {
		if pe.Bitfield.Test(i) && t.pieces[i].State != piece.Verified && t.pieces[i].Priority != piece.PriorityNone {
			interesting = true
			break
		}
	}
	if interesting == pe.AmInterested {
		return
	}
	pe.AmInterested = interesting
	if interesting {
		pe.SendMessage(peerprotocol.InterestedMessage{})
	} else {
		pe.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}

// handleRequest serves one block from disk cache or storage, writing
// straight to the peer's connection (§4.F, §5: disk reads are not
// allowed to block the torrent loop itself — the read happens inline
// here only because pieceio.ReadRange is a single offset-bounded I/O
// call; heavier concurrent read fan-out is the piececache's job).
func (t *torrent) handleRequest(pe *peer.Peer, m peerprotocol.RequestMessage) {
	if pe.AmChoking {
		return
	}
	if int(m.Index) >= len(t.pieces) || t.pieces[m.Index].State != piece.Verified {
		return
	}
	key := piececache.Key{InfoHash: t.infoHash, Index: m.Index, Begin: m.Begin}
	if data, ok := t.pieceCache.Get(key); ok {
		pe.SendMessage(peerprotocol.PieceMessage{Index: m.Index, Begin: m.Begin, Data: data})
		pe.AccountUpload(int64(len(data)))
		return
	}
	offset := int64(m.Index)*int64(t.info.PieceLength) + int64(m.Begin)
	data, err := pieceio.Files(t.files).ReadRange(offset, int64(m.Length))
	if err != nil {
		t.log.Errorln("cannot read block for request:", err)
		return
	}
	t.pieceCache.Put(key, data)
	pe.SendMessage(peerprotocol.PieceMessage{Index: m.Index, Begin: m.Begin, Data: data})
	pe.AccountUpload(int64(len(data)))
}

func (t *torrent) handleReject(pe *peer.Peer, m peerprotocol.RejectMessage) {
	if pd, ok := t.pieceDownloaders[pe]; ok && pd.Piece.Index == m.Index {
		pd.RejectC <- peer.Request{PieceIndex: m.Index, Begin: m.Begin, Length: m.Length}
	}
}

func (t *torrent) handleExtensionMessage(pe *peer.Peer, m peerprotocol.ExtensionMessage) {
	payload, ok := m.Payload.([]byte)
	if !ok {
		return
	}
	if m.ExtendedMessageID == peerprotocol.ExtensionIDHandshake {
		hs, err := peerprotocol.ParseExtensionHandshake(payload)
		if err != nil {
			t.log.Debugln("invalid extension handshake:", err)
			return
		}
		pe.ExtensionHandshake = hs
		if t.info == nil && hs.MetadataSize > 0 {
			t.startInfoDownloaders()
		}
		return
	}
	if pe.ExtensionHandshake == nil {
		return
	}
	if id, ok := pe.ExtensionHandshake.M[peerprotocol.ExtensionKeyMetadata]; ok && byte(id) == m.ExtendedMessageID {
		t.handleMetadataMessage(pe, payload)
	}
}

func (t *torrent) handleMetadataMessage(pe *peer.Peer, payload []byte) {
	msg, data, err := peerprotocol.ParseExtensionMetadataMessage(payload)
	if err != nil {
		t.log.Debugln("invalid ut_metadata message:", err)
		return
	}
	switch msg.Type {
	case peerprotocol.ExtensionMetadataMessageTypeRequest:
		// No metadata to serve yet, or we simply don't implement
		// serving pieces of our own metadata back to peers that ask.
	case peerprotocol.ExtensionMetadataMessageTypeData:
		id, ok := t.infoDownloaders[pe]
		if !ok {
			return
		}
		if err := id.GotBlock(msg.Piece, data); err != nil {
			t.log.Debugln("bad metadata block:", err)
			t.closePeer(pe)
			return
		}
		if id.Done() {
			t.completeInfoDownload(id)
		} else {
			id.RequestBlocks(5)
		}
	case peerprotocol.ExtensionMetadataMessageTypeReject:
		if id, ok := t.infoDownloaders[pe]; ok {
			t.closeInfoDownloader(id)
		}
	}
}

// closeInfoDownloader drops one in-flight metadata download, e.g. on
// rejection or once metadata completes via another peer.
func (t *torrent) closeInfoDownloader(id *infodownloader.InfoDownloader) {
	delete(t.infoDownloaders, id.Peer)
	delete(t.infoDownloadersSnubbed, id.Peer)
}

func (t *torrent) completeInfoDownload(id *infodownloader.InfoDownloader) {
	info, err := metainfo.NewInfo(id.Bytes)
	if err != nil || info.Hash != t.infoHash {
		t.log.Debugln("metadata from peer failed validation")
		t.closeInfoDownloader(id)
		t.closePeer(id.Peer)
		return
	}
	t.closeInfoDownloader(id)
	for pe := range t.infoDownloaders {
		t.closeInfoDownloader(t.infoDownloaders[pe])
	}
	if err := t.setInfo(info); err != nil {
		t.stop(err)
		return
	}
	if t.resume != nil {
		t.resume.Write(resumeSpecForInfo(t, info))
	}
	t.startAllocation()
}

// startInfoDownloaders starts a metadata download from any peer with a
// known extension handshake and no active downloader, up to one at a
// time per peer (§4.B BEP-9).
func (t *torrent) startInfoDownloaders() {
	if t.info != nil {
		return
	}
	for pe := range t.peers {
		if pe.ExtensionHandshake == nil || pe.ExtensionHandshake.MetadataSize == 0 {
			continue
		}
		if _, ok := t.infoDownloaders[pe]; ok {
			continue
		}
		if _, ok := pe.ExtensionHandshake.M[peerprotocol.ExtensionKeyMetadata]; !ok {
			continue
		}
		id := infodownloader.New(pe)
		t.infoDownloaders[pe] = id
		id.RequestBlocks(5)
		return // one concurrent metadata source is enough
	}
}

// pieceDownloadResult carries a finished or failed PieceDownloader back
// to the torrent loop; PieceDownloader.Run only exposes per-instance
// DoneC/ErrC, so one forwarding goroutine per active downloader funnels
// whichever fires into this single channel the main select can watch.
type pieceDownloadResult struct {
	pd  *piecedownloader.PieceDownloader
	buf []byte
	err error
}

// startPieceDownloaders opens a PieceDownloader against any unchoked,
// interesting peer that is not already downloading a piece, picking the
// next piece/peer pairing from piecePicker, including endgame-redundant
// assignments once every fresh candidate is already in flight (§4.E).
func (t *torrent) startPieceDownloaders() {
	if t.piecePicker == nil || t.completed {
		return
	}
	endgame := !t.piecePicker.Done() && t.inEndgame()
	for pe := range t.peers {
		if pe.PeerChoking || pe.Bitfield == nil {
			continue
		}
		if _, ok := t.pieceDownloaders[pe]; ok {
			continue
		}
		index, ok := t.piecePicker.Pick(pe.Bitfield, endgame)
		if !ok {
			continue
		}
		pe.Downloading = true
		t.piecePicker.MarkRequested(index)
		pd := piecedownloader.New(&t.pieces[index], pe)
		stopC := make(chan struct{})
		t.pieceDownloaders[pe] = pd
		t.pieceDownloaderStopC[pe] = stopC
		go pd.Run(stopC)
		go func(pd *piecedownloader.PieceDownloader) {
			select {
			case buf := <-pd.DoneC:
				t.pieceDownloaderResultC <- pieceDownloadResult{pd: pd, buf: buf}
			case err := <-pd.ErrC:
				t.pieceDownloaderResultC <- pieceDownloadResult{pd: pd, err: err}
			}
		}(pd)
	}
}

// inEndgame reports whether every not-yet-verified, wanted piece is
// already being downloaded by at least one peer.
func (t *torrent) inEndgame() bool {
	if t.piecePicker == nil {
		return false
	}
	for i := range t.pieces {
		pc := &t.pieces[i]
		if pc.State == piece.Verified || pc.Priority == piece.PriorityNone {
			continue
		}
		if pc.State == piece.Missing {
			return false
		}
	}
	return true
}

// handlePieceMessage forwards one delivered block to its active
// PieceDownloader. Completion/failure arrive later on
// pieceDownloaderResultC, handled by handlePieceDownloadResult.
func (t *torrent) handlePieceMessage(pm peer.PieceMessage) {
	pe := pm.Peer
	pe.AccountDownload(int64(len(pm.Block.Data)))
	pd, ok := t.pieceDownloaders[pe]
	if !ok || pd.Piece.Index != pm.Block.Index {
		return
	}
	pd.PieceC <- pm
}

// handlePieceDownloadResult reacts to a PieceDownloader finishing
// (successfully or not), called from the main loop when
// pieceDownloaderResultC fires.
func (t *torrent) handlePieceDownloadResult(r pieceDownloadResult) {
	if r.err != nil {
		t.log.Debugln("piece downloader error:", r.err)
		t.closePieceDownloader(r.pd)
		t.closePeer(r.pd.Peer)
		return
	}
	index := r.pd.Piece.Index
	t.piecePicker.MarkDownloaded(index)
	t.closePieceDownloader(r.pd)
	t.pieces[index].Writing = true
	pw := piecewriter.New(&t.pieces[index], r.buf, pieceio.Files(t.files), int64(index)*int64(t.info.PieceLength), t.pieceWriterResultC)
	go pw.Run()
}

// closePieceDownloader tears down one active download, reverting its
// piece to Missing (or leaving it if already reassigned, in endgame) so
// another attempt can be made.
func (t *torrent) closePieceDownloader(pd *piecedownloader.PieceDownloader) {
	pe := pd.Peer
	if stopC, ok := t.pieceDownloaderStopC[pe]; ok {
		close(stopC)
		delete(t.pieceDownloaderStopC, pe)
	}
	delete(t.pieceDownloaders, pe)
	delete(t.pieceDownloadersSnubbed, pe)
	delete(t.pieceDownloadersChoked, pe)
	pe.Downloading = false
	if t.piecePicker != nil && t.pieces[pd.Piece.Index].State == piece.Requested {
		t.piecePicker.MarkFailed(pd.Piece.Index)
	}
}
