package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueEventCompaction(t *testing.T) {
	tier := &Tier{}
	tier.QueueEvent(Started)
	tier.QueueEvent(None)
	assert.Equal(t, []AnnounceEvent{Started, None}, tier.events)

	tier.QueueEvent(Completed)
	assert.Equal(t, []AnnounceEvent{Started, Completed}, tier.events)

	// Stopped collapses the queue to at most [Completed, Stopped].
	tier.QueueEvent(Stopped)
	assert.Equal(t, []AnnounceEvent{Completed, Stopped}, tier.events)
}

func TestQueueEventStoppedWithoutCompleted(t *testing.T) {
	tier := &Tier{}
	tier.QueueEvent(Started)
	tier.QueueEvent(Stopped)
	assert.Equal(t, []AnnounceEvent{Stopped}, tier.events)
}

func TestPopEventDrainsOnStopped(t *testing.T) {
	tier := &Tier{}
	tier.QueueEvent(Completed)
	tier.QueueEvent(Stopped)

	e, ok := tier.PopEvent()
	assert.True(t, ok)
	assert.Equal(t, Stopped, e)
	assert.True(t, tier.EventsEmpty())
}

func TestRetryIntervalSchedule(t *testing.T) {
	tr := &Tracker{}
	assert.Equal(t, 0*time.Second, tr.RetryInterval())

	tr.ConsecutiveFailures = 1
	assert.Equal(t, 20*time.Second, tr.RetryInterval())

	tr.ConsecutiveFailures = 2
	got := tr.RetryInterval()
	assert.True(t, got >= 300*time.Second && got < 360*time.Second)

	tr.ConsecutiveFailures = 6
	got = tr.RetryInterval()
	assert.True(t, got >= 7200*time.Second && got < 7260*time.Second)

	// Beyond the table, it stays pinned to the final entry.
	tr.ConsecutiveFailures = 50
	got2 := tr.RetryInterval()
	assert.True(t, got2 >= 7200*time.Second && got2 < 7260*time.Second)
}

func TestNeedsToAnnounceTransition(t *testing.T) {
	now := time.Unix(1000, 0)
	tier := &Tier{}
	assert.False(t, tier.NeedsToAnnounce(now))

	tier.AnnounceAt = now.Add(-time.Second)
	tier.QueueEvent(Started)
	assert.True(t, tier.NeedsToAnnounce(now))

	tier.IsAnnouncing = true
	assert.False(t, tier.NeedsToAnnounce(now))
}

func TestRoundUpScrapeAtRoundsToTen(t *testing.T) {
	now := time.Unix(1000, 0)
	got := RoundUpScrapeAt(now, 23*time.Second)
	assert.Equal(t, int64(0), got.Unix()%10)
	assert.True(t, got.Unix() >= 1023)
	assert.True(t, got.Unix() < 1033)
}
