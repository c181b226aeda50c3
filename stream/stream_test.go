package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	require := require.New(t)

	require.Equal("Preparing", Preparing.String())
	require.Equal("Streaming", Streaming.String())
	require.Equal("Stopped", Stopped.String())
	require.Equal("Unknown", State(99).String())
}

func TestContentRangeAndResourceLen(t *testing.T) {
	require := require.New(t)

	// s.end is the internal EXCLUSIVE bound (see resolveRange), one
	// past the last byte delivered: a 100-byte request for [10, 110)
	// file-relative.
	s := &Stream{
		fileOffset: 1000,
		fileLength: 500,
		start:      1010,
		end:        1110,
	}

	start, end := s.Range()
	require.EqualValues(10, start)
	require.EqualValues(109, end)
	require.EqualValues(100, s.ResourceLen())
	require.Equal("bytes 10-109/500", s.ContentRange())
}

// TestContentRangeLiteralFixture exercises spec.md §8 scenario (c)
// directly: on the 5-byte fixture "lorem", stream_range(1, Some(3))
// must deliver exactly 3 bytes ("ore") and report content_range() ==
// "bytes 1-3/5" — not 2 bytes as a naive half-open [1, 3) read would.
func TestContentRangeLiteralFixture(t *testing.T) {
	require := require.New(t)

	const fileLength = 5 // len("lorem")
	exclusiveEnd, err := resolveRange(fileLength, 1, 3)
	require.NoError(err)

	s := &Stream{
		fileOffset: 0,
		fileLength: fileLength,
		start:      1,
		end:        exclusiveEnd,
	}

	start, end := s.Range()
	require.EqualValues(1, start)
	require.EqualValues(3, end)
	require.EqualValues(3, s.ResourceLen())
	require.Equal("bytes 1-3/5", s.ContentRange())
}

func TestResolveRange(t *testing.T) {
	require := require.New(t)

	exclusiveEnd, err := resolveRange(5, 1, 3)
	require.NoError(err)
	require.EqualValues(4, exclusiveEnd, "bytes 1-3 inclusive span indices 1,2,3, i.e. [1,4)")

	exclusiveEnd, err = resolveRange(5, 0, 4)
	require.NoError(err)
	require.EqualValues(5, exclusiveEnd, "the whole 5-byte file, given explicitly")

	exclusiveEnd, err = resolveRange(5, 0, -1)
	require.NoError(err)
	require.EqualValues(5, exclusiveEnd, "-1 means to EOF")

	exclusiveEnd, err = resolveRange(5, 2, 2)
	require.NoError(err)
	require.EqualValues(3, exclusiveEnd, "a single byte, start==end")

	_, err = resolveRange(5, 0, 5)
	require.Error(err, "end index 5 is out of bounds on a 5-byte file")

	_, err = resolveRange(5, -1, 3)
	require.Error(err, "negative start is invalid")
}

// preparationSet mirrors the piece-index math in Stream.prepare without
// needing a live *session.Torrent, so the formula (§4.I: max(8,
// ceil(0.08*file_pieces)) leading pieces + last 3, deduplicated) can be
// exercised directly.
func preparationSet(pieceLength uint32, fileOffset, fileLength int64) map[uint32]struct{} {
	firstPiece := uint32(fileOffset / int64(pieceLength))
	lastPiece := uint32((fileOffset + fileLength - 1) / int64(pieceLength))
	filePieces := lastPiece - firstPiece + 1

	prepareCount := uint32(float64(filePieces)*minPrepareFraction + 0.999999)
	if prepareCount < minPreparePieces {
		prepareCount = minPreparePieces
	}
	if prepareCount > filePieces {
		prepareCount = filePieces
	}

	set := make(map[uint32]struct{}, prepareCount+tailPreparePieces)
	for i := uint32(0); i < prepareCount; i++ {
		set[firstPiece+i] = struct{}{}
	}
	for i := uint32(0); i < tailPreparePieces && i < filePieces; i++ {
		set[lastPiece-i] = struct{}{}
	}
	return set
}

func TestPreparationSetFloorsAtMinimum(t *testing.T) {
	require := require.New(t)

	// 10 pieces total: 8% of 10 rounds up to 1, floored to the minimum of 8
	// leading pieces; the last 3 (7, 8, 9) overlap by one, 10 in all.
	set := preparationSet(1<<18, 0, 10*(1<<18))
	require.Len(set, 10)
	for i := uint32(0); i < 8; i++ {
		_, ok := set[i]
		require.True(ok, "expected leading piece %d in preparation set", i)
	}
}

func TestPreparationSetIncludesTail(t *testing.T) {
	require := require.New(t)

	// 200 pieces: 8% is 16 leading pieces, plus the last 3, no overlap.
	set := preparationSet(1<<18, 0, 200*(1<<18))
	require.Len(set, 16+3)
	for _, idx := range []uint32{199, 198, 197} {
		_, ok := set[idx]
		require.True(ok, "expected tail piece %d in preparation set", idx)
	}
}

func TestPreparationSetDedupesOverlappingHeadAndTail(t *testing.T) {
	require := require.New(t)

	// Only 9 pieces: the minimum-8 head set and the last-3 tail set overlap.
	set := preparationSet(1<<18, 0, 9*(1<<18))
	require.Len(set, 9)
}

func TestPreparationSetRespectsNonZeroFileOffset(t *testing.T) {
	require := require.New(t)

	pieceLength := uint32(1 << 18)
	offset := int64(3 * pieceLength)
	set := preparationSet(pieceLength, offset, 20*int64(pieceLength))
	for idx := range set {
		require.GreaterOrEqual(idx, uint32(3), "preparation set must not include pieces before the file's first piece")
	}
}
