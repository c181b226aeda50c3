package blocklist

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBlockAndExpire(t *testing.T) {
	bl := New()
	cur := time.Now()
	bl.now = func() time.Time { return cur }
	ip := net.ParseIP("1.2.3.4")
	require.False(t, bl.Blocked(ip))
	bl.Block(ip)
	require.True(t, bl.Blocked(ip))
	cur = cur.Add(DefaultTTL + time.Second)
	require.False(t, bl.Blocked(ip))
}
