package metainfo

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

// buildTorrent bencodes a minimal single-file v1 torrent dict and returns
// both the full bytes and the raw info sub-dict bytes.
func buildTorrent(t *testing.T) ([]byte, []byte) {
	t.Helper()
	info := map[string]interface{}{
		"name":         "debian-12.4.0-amd64-DVD-1.iso",
		"piece length": 262144,
		"pieces":       string(make([]byte, 40)),
		"length":       406847488,
	}
	infoBytes, err := bencode.EncodeBytes(info)
	require.NoError(t, err)
	full := map[string]interface{}{
		"announce": "udp://tracker.opentrackr.org:1337",
		"info":     bencode.RawMessage(infoBytes),
	}
	fullBytes, err := bencode.EncodeBytes(full)
	require.NoError(t, err)
	return fullBytes, infoBytes
}

func TestParseComputesInfoHash(t *testing.T) {
	full, infoBytes := buildTorrent(t)
	mi, err := New(bytes.NewReader(full))
	require.NoError(t, err)
	require.Equal(t, "debian-12.4.0-amd64-DVD-1.iso", mi.Info.DisplayName())
	require.EqualValues(t, 262144, mi.Info.PieceLength)
	require.EqualValues(t, 406847488, mi.Info.TotalLength)

	direct, err := NewInfo(infoBytes)
	require.NoError(t, err)
	require.Equal(t, direct.Hash, mi.Info.Hash)
}

func TestInfoHashRoundTripReserialize(t *testing.T) {
	full, _ := buildTorrent(t)
	mi, err := New(bytes.NewReader(full))
	require.NoError(t, err)
	want := mi.Info.Hash

	// Decoding the captured info dict and encoding it again yields the
	// same canonical bencode bytes, so the reserialized dict hashes the same.
	var decoded map[string]interface{}
	require.NoError(t, bencode.DecodeBytes(mi.RawInfo, &decoded))
	reencoded, err := bencode.EncodeBytes(decoded)
	require.NoError(t, err)
	again, err := NewInfo(reencoded)
	require.NoError(t, err)
	require.Equal(t, want, again.Hash)
}

func TestGetTrackersPrefersAnnounceList(t *testing.T) {
	mi := &MetaInfo{
		Announce:     "http://a",
		AnnounceList: [][]string{{"udp://b"}, {"udp://c"}},
	}
	tiers := mi.GetTrackers()
	require.Equal(t, [][]string{{"udp://b"}, {"udp://c"}}, tiers)
}

func TestGetTrackersFallsBackToAnnounce(t *testing.T) {
	mi := &MetaInfo{Announce: "http://a"}
	require.Equal(t, [][]string{{"http://a"}}, mi.GetTrackers())
}

func TestFileDictAttributes(t *testing.T) {
	f := FileDict{Attr: "pxhl"}
	require.True(t, f.Padding())
	require.True(t, f.Executable())
	require.True(t, f.Hidden())
	require.True(t, f.Symlink())
}

func TestPieceHashIndexing(t *testing.T) {
	h0, _ := hex.DecodeString("000000000000000000000000000000000000000a")
	h1, _ := hex.DecodeString("000000000000000000000000000000000000000b")
	info := &Info{Pieces: append(append([]byte{}, h0...), h1...)}
	require.Equal(t, h0, info.PieceHash(0))
	require.Equal(t, h1, info.PieceHash(1))
	require.Nil(t, info.PieceHash(2))
}
