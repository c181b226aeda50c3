package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cenkalti/rain/internal/metainfo"
	"github.com/cenkalti/rain/internal/piece"
)

func newTestTorrentForWaiters() *torrent {
	return &torrent{
		pieces: []piece.Piece{
			{Index: 0, State: piece.Missing},
			{Index: 1, State: piece.Verified},
		},
		pieceWaiters: make(map[uint32][]chan struct{}),
	}
}

func TestHandleWaitPieceRequestAlreadyVerified(t *testing.T) {
	require := require.New(t)

	tor := newTestTorrentForWaiters()
	req := pieceWaitRequest{Index: 1, NotifyC: make(chan struct{})}
	tor.handleWaitPieceRequest(req)

	select {
	case <-req.NotifyC:
	default:
		t.Fatal("expected NotifyC to be closed immediately for an already-verified piece")
	}
	require.Empty(tor.pieceWaiters)
}

func TestHandleWaitPieceRequestRegistersWaiter(t *testing.T) {
	require := require.New(t)

	tor := newTestTorrentForWaiters()
	req := pieceWaitRequest{Index: 0, NotifyC: make(chan struct{})}
	tor.handleWaitPieceRequest(req)

	select {
	case <-req.NotifyC:
		t.Fatal("did not expect NotifyC to be closed before the piece verifies")
	default:
	}
	require.Len(tor.pieceWaiters[0], 1)

	tor.wakePieceWaiters(0)
	select {
	case <-req.NotifyC:
	default:
		t.Fatal("expected NotifyC to be closed after wakePieceWaiters")
	}
	require.Empty(tor.pieceWaiters)
}

func TestWakePieceWaitersNotifiesAllRegistered(t *testing.T) {
	require := require.New(t)

	tor := newTestTorrentForWaiters()
	var notifies []chan struct{}
	for i := 0; i < 3; i++ {
		req := pieceWaitRequest{Index: 0, NotifyC: make(chan struct{})}
		tor.handleWaitPieceRequest(req)
		notifies = append(notifies, req.NotifyC)
	}
	require.Len(tor.pieceWaiters[0], 3)

	tor.wakePieceWaiters(0)
	for _, c := range notifies {
		select {
		case <-c:
		default:
			t.Fatal("expected every registered waiter to be notified")
		}
	}
}

func TestHandleModeRequestWithoutPicker(t *testing.T) {
	tor := &torrent{}
	req := modeRequest{Sequential: true, Done: make(chan struct{})}
	tor.handleModeRequest(req)

	select {
	case <-req.Done:
	default:
		t.Fatal("expected Done to be closed even without a piece picker")
	}
}

func TestHandleHasBytesRequestWithoutPicker(t *testing.T) {
	require := require.New(t)

	tor := &torrent{}
	req := hasBytesRequest{FromPiece: 0, ToPiece: 1, Result: make(chan bool, 1)}
	tor.handleHasBytesRequest(req)

	result := <-req.Result
	require.False(result)
}

func TestHandleLayoutRequestNotReady(t *testing.T) {
	require := require.New(t)

	tor := &torrent{}
	req := layoutRequest{Result: make(chan pieceLayout, 1)}
	tor.handleLayoutRequest(req)

	l := <-req.Result
	require.False(l.Ready)
}

func TestHandleLayoutRequestMultiFile(t *testing.T) {
	require := require.New(t)

	tor := &torrent{
		info: &metainfo.Info{
			PieceLength: 1 << 18,
			NumPieces:   10,
			TotalLength: 300,
			Files: []metainfo.FileDict{
				{Length: 100, Path: []string{"a.txt"}},
				{Length: 200, Path: []string{"b.txt"}},
			},
		},
	}
	req := layoutRequest{Result: make(chan pieceLayout, 1)}
	tor.handleLayoutRequest(req)

	l := <-req.Result
	require.True(l.Ready)
	require.Len(l.Files, 2)
	require.Equal("a.txt", l.Files[0].Name)
	require.EqualValues(0, l.Files[0].Offset)
	require.EqualValues(100, l.Files[0].Length)
	require.Equal("b.txt", l.Files[1].Name)
	require.EqualValues(100, l.Files[1].Offset)
	require.EqualValues(200, l.Files[1].Length)
}
