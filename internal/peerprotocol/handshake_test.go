package peerprotocol

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeEncodeDecodeIdentity(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		var infoHash, peerID [20]byte
		r.Read(infoHash[:])
		r.Read(peerID[:])
		h := NewHandshake(infoHash, peerID)
		var flags [8]byte
		r.Read(flags[:])
		h.Extensions = flags

		var buf bytes.Buffer
		require.NoError(t, h.Write(&buf))
		require.Equal(t, HandshakeLength, buf.Len())

		got, err := ReadHandshake(&buf)
		require.NoError(t, err)
		require.Equal(t, h, got)
	}
}

func TestExtensionFlagMapping(t *testing.T) {
	cases := []struct {
		name       string
		byteIndex  int
		mask       byte
	}{
		{"azureus", ExtensionAzureusByte, ExtensionAzureusBit},
		{"ltep", ExtensionLTEPByte, ExtensionLTEPBit},
		{"encryption", ExtensionEncryptionByte, ExtensionEncryptionBit},
		{"dht", ExtensionDHTByte, ExtensionDHTBit},
		{"xbt-pex", ExtensionXBTPEXByte, ExtensionXBTPEXBit},
		{"fast", ExtensionFastByte, ExtensionFastBit},
		{"nat", ExtensionNATByte, ExtensionNATBit},
		{"v2-hybrid", ExtensionV2HybridByte, ExtensionV2HybridBit},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var h Handshake
			require.False(t, h.HasExtension(c.byteIndex, c.mask))
			h.SetExtension(c.byteIndex, c.mask)
			require.True(t, h.HasExtension(c.byteIndex, c.mask))

			var buf bytes.Buffer
			require.NoError(t, h.Write(&buf))
			got, err := ReadHandshake(&buf)
			require.NoError(t, err)
			require.True(t, got.HasExtension(c.byteIndex, c.mask))
		})
	}
}

func TestHandshakeRejectsBadProtocolString(t *testing.T) {
	buf := bytes.NewBuffer(append([]byte{5}, "wrong"...))
	_, err := ReadHandshake(buf)
	require.Error(t, err)
}
