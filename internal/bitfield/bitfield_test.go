package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetTestClear(t *testing.T) {
	bf := New(10)
	require.False(t, bf.Test(0))
	bf.Set(0)
	bf.Set(9)
	require.True(t, bf.Test(0))
	require.True(t, bf.Test(9))
	require.Equal(t, uint32(2), bf.Count())
	bf.Clear(0)
	require.False(t, bf.Test(0))
}

func TestMSBFirst(t *testing.T) {
	bf := New(8)
	bf.Set(0)
	require.Equal(t, byte(0x80), bf.Bytes()[0])
	bf.Set(7)
	require.Equal(t, byte(0x81), bf.Bytes()[0])
}

func TestAllAndClearAll(t *testing.T) {
	bf := New(12)
	bf.SetAll()
	require.True(t, bf.All())
	require.Equal(t, uint32(12), bf.Count())
	bf.ClearAll()
	require.False(t, bf.All())
	require.Equal(t, uint32(0), bf.Count())
}

func TestNewBytesRoundTrip(t *testing.T) {
	bf := New(20)
	bf.Set(3)
	bf.Set(19)
	bf2, err := NewBytes(bf.Bytes(), 20)
	require.NoError(t, err)
	require.True(t, bf2.Test(3))
	require.True(t, bf2.Test(19))
	require.Equal(t, bf.Count(), bf2.Count())
}
