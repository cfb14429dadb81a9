package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	announceResp AnnounceResponse
	announceErr  error
	scrapeResp   ScrapeResponse
	scrapeErr    error
	announces    int
	scrapes      int
}

func (f *fakeTransport) Announce(url string, req AnnounceRequest) (AnnounceResponse, error) {
	f.announces++
	return f.announceResp, f.announceErr
}

func (f *fakeTransport) Scrape(url string, req ScrapeRequest) (ScrapeResponse, error) {
	f.scrapes++
	return f.scrapeResp, f.scrapeErr
}

func newTestTorrent(infoHash byte, announceURL string) *TorrentAnnouncer {
	var ih [20]byte
	ih[0] = infoHash
	tier := &Tier{Trackers: []*Tracker{{AnnounceURL: announceURL}}}
	tier.UseNextTracker()
	tier.QueueEvent(Started)
	tier.AnnounceAt = time.Unix(0, 0)
	return &TorrentAnnouncer{
		InfoHash: ih,
		Tiers:    []*Tier{tier},
	}
}

func TestUpkeepDispatchesAnnounceAndPublishesPeers(t *testing.T) {
	ft := &fakeTransport{
		announceResp: AnnounceResponse{
			Interval: 1800,
			Peers:    []Peer{{Port: 6881}},
			Seeders:  5,
			Leechers: 2,
		},
	}
	a := New(func(url string) Transport { return ft })

	var publishedPeers []Peer
	ta := newTestTorrent(1, "http://tracker.example/announce")
	ta.Callbacks.PublishPeers = func(idx int, peers []Peer) { publishedPeers = peers }
	a.AddTorrent(ta)

	now := time.Unix(1000, 0)
	a.Upkeep(now)

	assert.Equal(t, 1, ft.announces)
	require.Len(t, publishedPeers, 1)
	assert.Equal(t, 6881, publishedPeers[0].Port)

	tier := ta.Tiers[0]
	assert.True(t, tier.LastAnnounceSucceeded)
	assert.False(t, tier.IsAnnouncing)
	assert.Equal(t, now.Add(1800*time.Second), tier.AnnounceAt)
	// Started was consumed and replaced with a periodic None.
	ev, ok := tier.PeekEvent()
	assert.True(t, ok)
	assert.Equal(t, None, ev)
}

func TestUpkeepBacksOffAndFailsOverOnError(t *testing.T) {
	ft := &fakeTransport{announceErr: ErrCouldNotConnect}
	a := New(func(url string) Transport { return ft })

	var publishedErr string
	ta := newTestTorrent(2, "http://tracker.example/announce")
	ta.Callbacks.PublishError = func(idx int, msg string) { publishedErr = msg }
	a.AddTorrent(ta)

	now := time.Unix(2000, 0)
	a.Upkeep(now)

	tier := ta.Tiers[0]
	assert.False(t, tier.LastAnnounceSucceeded)
	assert.Equal(t, 1, tier.Trackers[0].ConsecutiveFailures)
	assert.Equal(t, "Could not connect", publishedErr)
	assert.True(t, tier.AnnounceAt.After(now))
}

func TestRemoveTorrentQueuesStoppedAndOrdersStops(t *testing.T) {
	a := New(func(url string) Transport { return &fakeTransport{} })

	small := newTestTorrent(3, "http://tracker.example/a")
	small.Tiers[0].IsRunning = true
	small.Tiers[0].ByteCounts = ByteCounts{Up: 10, Down: 0}
	a.AddTorrent(small)

	big := newTestTorrent(4, "http://tracker.example/b")
	big.Tiers[0].IsRunning = true
	big.Tiers[0].ByteCounts = ByteCounts{Up: 1000, Down: 0}
	a.AddTorrent(big)

	a.RemoveTorrent(small.InfoHash, 10)
	a.RemoveTorrent(big.InfoHash, 1000)

	assert.Equal(t, 2, a.PendingStops())
	// The higher-weight stop should be popped first.
	first := (*a.stops)[0]
	for i := 1; i < a.stops.Len(); i++ {
		assert.True(t, (*a.stops)[0].weight >= (*a.stops)[i].weight)
	}
	assert.Equal(t, int64(1000), first.weight)

	done := make(chan struct{})
	close(done)
	// Already-closed channel: DrainStops checks cancellation before each
	// pop, so it returns without issuing any request.
	a.DrainStops(done)
}

func TestKeyIsWithinBEP3Range(t *testing.T) {
	a := New(func(url string) Transport { return &fakeTransport{} })
	assert.True(t, a.Key() >= 0)
}
