package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	b := New(12)
	b.SetSpan(3, 9)
	assert.Equal(t, []byte{0x1F, 0x80}, b.Raw())
	assert.Equal(t, 6, b.Count(0, 12))
	assert.Equal(t, 6, b.Count(3, 9))
	assert.Equal(t, 0, b.Count(9, 12))

	b2 := New(12)
	b2.SetRaw(b.Raw())
	for i := 0; i < 12; i++ {
		assert.Equal(t, b.Has(i), b2.Has(i), "index %d", i)
	}
}

func TestHasAllHasNoneShortcuts(t *testing.T) {
	b := New(8)
	require.True(t, b.HasNone())
	require.False(t, b.HasAll())

	b.SetHasAll()
	require.True(t, b.HasAll())
	require.False(t, b.HasNone())
	assert.Equal(t, 8, b.Count(0, 8))

	b.SetHasNone()
	require.True(t, b.HasNone())
	assert.Equal(t, 0, b.Count(0, 8))
}

func TestSetUnsetSpan(t *testing.T) {
	b := New(16)
	b.SetSpan(0, 16)
	assert.True(t, b.HasAll())
	b.UnsetSpan(4, 8)
	assert.False(t, b.HasAll())
	assert.Equal(t, 12, b.Count(0, 16))
	assert.Equal(t, 0, b.Count(4, 8))
}

func TestTrailingBitsZero(t *testing.T) {
	b := New(12)
	b.SetHasAll()
	raw := b.Raw()
	assert.Equal(t, byte(0xF0), raw[1])
}

func TestPieceSizeAndBlockSpan(t *testing.T) {
	const pieceLength = 16384
	totalLength := int64(pieceLength*4 - 100)
	numPieces := 4
	assert.Equal(t, int64(pieceLength), PieceSize(0, numPieces, totalLength, pieceLength))
	assert.Equal(t, int64(pieceLength-100), PieceSize(3, numPieces, totalLength, pieceLength))

	begin, end := BlockSpan(0, numPieces, totalLength, pieceLength)
	assert.Equal(t, 0, begin)
	assert.Equal(t, 1, end)
}
