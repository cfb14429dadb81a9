package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsURITooLong(t *testing.T) {
	assert.True(t, IsURITooLong("400 Bad Request"))
	assert.True(t, IsURITooLong("414 Request-URI Too Long"))
	assert.False(t, IsURITooLong("connection refused"))
}

// TestShrinkOnceAtMostOncePerRound encodes S5: two failing responses landing
// in the same upkeep round must shrink MultiscrapeMax once (20->15), not
// twice; the next round's failure shrinks it again (15->10).
func TestShrinkOnceAtMostOncePerRound(t *testing.T) {
	si := NewScrapeInfo("http://tracker.example/scrape")
	assert.Equal(t, 20, si.MultiscrapeMax)

	si.BeginRound()
	si.ShrinkOnce()
	si.ShrinkOnce()
	assert.Equal(t, 15, si.MultiscrapeMax)

	si.BeginRound()
	si.ShrinkOnce()
	assert.Equal(t, 10, si.MultiscrapeMax)
}

func TestShrinkFloor(t *testing.T) {
	si := NewScrapeInfo("http://tracker.example/scrape")
	for i := 0; i < 10; i++ {
		si.BeginRound()
		si.ShrinkOnce()
	}
	assert.Equal(t, multiscrapeMaxFloor, si.MultiscrapeMax)
}

func TestBatchBoundedByMultiscrapeMax(t *testing.T) {
	si := NewScrapeInfo("http://tracker.example/scrape")
	si.MultiscrapeMax = 3

	hashes := make([][20]byte, 7)
	for i := range hashes {
		hashes[i][0] = byte(i)
	}
	batches := si.Batch(hashes)
	assert.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[2], 1)
}
