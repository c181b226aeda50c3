package peerprotocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func bencodeEncodeForTest(v interface{}) ([]byte, error) {
	return bencode.EncodeBytes(v)
}

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	return got
}

func TestKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, KeepAliveMessage{}, msg)
}

func TestSimpleMessagesRoundTrip(t *testing.T) {
	require.Equal(t, ChokeMessage{}, roundTrip(t, ChokeMessage{}))
	require.Equal(t, UnchokeMessage{}, roundTrip(t, UnchokeMessage{}))
	require.Equal(t, InterestedMessage{}, roundTrip(t, InterestedMessage{}))
	require.Equal(t, NotInterestedMessage{}, roundTrip(t, NotInterestedMessage{}))
	require.Equal(t, HaveAllMessage{}, roundTrip(t, HaveAllMessage{}))
	require.Equal(t, HaveNoneMessage{}, roundTrip(t, HaveNoneMessage{}))
}

func TestHaveMessage(t *testing.T) {
	got := roundTrip(t, HaveMessage{Index: 42})
	require.Equal(t, HaveMessage{Index: 42}, got)
}

func TestBitfieldMessage(t *testing.T) {
	got := roundTrip(t, BitfieldMessage{Data: []byte{0xff, 0x80}})
	require.Equal(t, BitfieldMessage{Data: []byte{0xff, 0x80}}, got)
}

func TestRequestCancelReject(t *testing.T) {
	require.Equal(t, RequestMessage{1, 2, 3}, roundTrip(t, RequestMessage{1, 2, 3}))
	require.Equal(t, CancelMessage{1, 2, 3}, roundTrip(t, CancelMessage{1, 2, 3}))
	require.Equal(t, RejectMessage{1, 2, 3}, roundTrip(t, RejectMessage{1, 2, 3}))
}

func TestPortMessage(t *testing.T) {
	require.Equal(t, PortMessage{Port: 6881}, roundTrip(t, PortMessage{Port: 6881}))
}

func TestPieceMessageHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePieceMessage(&buf, 7, 16384, 1024))
	buf.Write(make([]byte, 1024))
	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	pm, ok := msg.(PieceMessage)
	require.True(t, ok)
	require.EqualValues(t, 7, pm.Index)
	require.EqualValues(t, 16384, pm.Begin)
}

func TestUnknownMessageIDIsNotAnError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 2, 99, 1}) // unrecognized id 99
	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	um, ok := msg.(UnknownMessage)
	require.True(t, ok)
	require.EqualValues(t, 99, um.RawID)
}

func TestTruncatedFrameIsAnError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10, 6}) // declares 10 bytes, provides 1
	_, err := ReadMessage(&buf)
	require.Error(t, err)
}

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	hs := NewExtensionHandshake(1024, "rain/1.0", nil)
	msg := ExtensionMessage{ExtendedMessageID: ExtensionIDHandshake, Payload: hs}
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	em := got.(ExtensionMessage)
	require.EqualValues(t, ExtensionIDHandshake, em.ExtendedMessageID)
	payload := em.Payload.([]byte)
	parsed, err := ParseExtensionHandshake(payload)
	require.NoError(t, err)
	require.EqualValues(t, 1024, parsed.MetadataSize)
	require.Equal(t, ExtensionIDMetadata, parsed.M[ExtensionKeyMetadata])
}

func TestParseExtensionMetadataMessageSplitsTrailingData(t *testing.T) {
	dictPayload, err := bencodeEncodeForTest(&ExtensionMetadataMessage{
		Type:  ExtensionMetadataMessageTypeData,
		Piece: 0,
	})
	require.NoError(t, err)
	full := append(append([]byte{}, dictPayload...), []byte("PIECEBYTES")...)
	msg, rest, err := ParseExtensionMetadataMessage(full)
	require.NoError(t, err)
	require.EqualValues(t, 0, msg.Piece)
	require.Equal(t, "PIECEBYTES", string(rest))
}
