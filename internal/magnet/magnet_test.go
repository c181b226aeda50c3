package magnet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseV1Magnet(t *testing.T) {
	link := "magnet:?xt=urn:btih:EADAF0EFEA39406914414D359E0EA16416409BD7&dn=debian-12.4.0-amd64-DVD-1.iso&tr=udp://tracker.opentrackr.org:1337"
	m, err := New(link)
	require.NoError(t, err)
	require.Equal(t, "eadaf0efea39406914414d359e0ea16416409bd7", strings.ToLower(hexOf(m.InfoHash[:])))
	require.Equal(t, "debian-12.4.0-amd64-DVD-1.iso", m.Name)
	require.Equal(t, []string{"udp://tracker.opentrackr.org:1337"}, m.Trackers)
	require.False(t, m.HasV2)
}

func TestParseV2Magnet(t *testing.T) {
	// 1220 prefix (sha256 multihash code+length) + 32 zero bytes.
	link := "magnet:?xt=urn:btmh:1220" + strings.Repeat("00", 32)
	m, err := New(link)
	require.NoError(t, err)
	require.True(t, m.HasV2)
}

func TestMissingHashErrors(t *testing.T) {
	_, err := New("magnet:?dn=foo")
	require.Error(t, err)
}

func TestNonMagnetScheme(t *testing.T) {
	_, err := New("http://example.com")
	require.Error(t, err)
}

func hexOf(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0xf]
	}
	return string(out)
}
