package tracker

import (
	"container/heap"
	"math/rand"
	"sort"
	"time"
)

// MaxAnnouncesPerUpkeep and MaxScrapesPerUpkeep bound how much work one 500ms
// upkeep tick dispatches, per §4.F.
const (
	MaxAnnouncesPerUpkeep = 20
	MaxScrapesPerUpkeep   = 20
)

// Callbacks is how a TorrentAnnouncer reports announce/scrape results back to
// its owning Torrent. A successful announce fires PublishPeers/PublishPeers6
// (when the response carries peers) and then PublishPeerCounts; a failed
// announce fires PublishError only when the torrent has at most one tracker.
type Callbacks struct {
	PublishError      func(tierIdx int, msg string)
	PublishPeers      func(tierIdx int, peers []Peer)
	PublishPeers6     func(tierIdx int, peers []Peer)
	PublishPeerCounts func(tierIdx int, seeders, leechers int32)

	// CurrentLeft reports bytes remaining, sampled fresh for each request.
	CurrentLeft func() int64
	// IsDone reports whether the torrent has completed downloading, used in
	// compare_announce_tiers ordering.
	IsDone func() bool
}

// TorrentAnnouncer owns the tiers for one torrent.
type TorrentAnnouncer struct {
	InfoHash  [20]byte
	PeerID    [20]byte
	Port      uint16
	Tiers     []*Tier
	Callbacks Callbacks
}

func (ta *TorrentAnnouncer) tierByIndex(i int) *Tier {
	if i < 0 || i >= len(ta.Tiers) {
		return nil
	}
	return ta.Tiers[i]
}

// Announcer is the session-scoped coordinator described in §3
// (AnnouncerGlobal): it holds the scrape_info map, the stops set, the random
// announce key, and drives the 500ms upkeep tick across every torrent's
// tiers. Responses are re-resolved via InfoHash+tier index each time they
// land (§9's design note) rather than carrying live pointers, so a removed
// torrent's in-flight response becomes a no-op.
type Announcer struct {
	torrents   map[[20]byte]*TorrentAnnouncer
	scrapeInfo map[string]*ScrapeInfo
	stops      *stopsHeap
	key        int32
	transport  func(url string) Transport
}

// New creates an Announcer. transport selects the wire-level Transport for a
// given announce/scrape URL by scheme (http(s):// vs udp://), per §4.F's "URL
// dispatch" rule.
func New(transport func(url string) Transport) *Announcer {
	return &Announcer{
		torrents:   map[[20]byte]*TorrentAnnouncer{},
		scrapeInfo: map[string]*ScrapeInfo{},
		stops:      &stopsHeap{},
		transport:  transport,
		key:        rand.Int31() & (1<<31 - 1),
	}
}

func (a *Announcer) Key() int32 { return a.key }

// AddTorrent registers ta and ensures a ScrapeInfo exists for every distinct
// scrape URL its tiers reference.
func (a *Announcer) AddTorrent(ta *TorrentAnnouncer) {
	a.torrents[ta.InfoHash] = ta
	for _, tier := range ta.Tiers {
		for _, tr := range tier.Trackers {
			if tr.ScrapeURL == "" {
				continue
			}
			if _, ok := a.scrapeInfo[tr.ScrapeURL]; !ok {
				a.scrapeInfo[tr.ScrapeURL] = NewScrapeInfo(tr.ScrapeURL)
			}
		}
	}
}

// RemoveTorrent queues a Stopped announce for every running tier (the
// destroy-time contract in §3's Lifecycles section), then drops the
// registry entry; the resolver in processAnnounceResult will then no-op
// on any in-flight response for it.
func (a *Announcer) RemoveTorrent(infoHash [20]byte, upDown int64) {
	ta, ok := a.torrents[infoHash]
	if !ok {
		return
	}
	for i, tier := range ta.Tiers {
		if !tier.IsRunning {
			continue
		}
		tier.QueueEvent(Stopped)
		cur := tier.CurrentTracker()
		if cur != nil {
			heap.Push(a.stops, stopEntry{
				weight:    tier.ByteCounts.Up + tier.ByteCounts.Down,
				infoHash:  infoHash,
				url:       cur.AnnounceURL,
				tierIndex: i,
			})
		}
	}
	delete(a.torrents, infoHash)
}

// stopEntry is one pending "stopped" request, ordered as described in §3:
// (up+down) desc, info_hash, announce_url.
type stopEntry struct {
	weight    int64
	infoHash  [20]byte
	url       string
	tierIndex int
}

type stopsHeap []stopEntry

func (h stopsHeap) Len() int { return len(h) }
func (h stopsHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight > h[j].weight
	}
	if h[i].infoHash != h[j].infoHash {
		return string(h[i].infoHash[:]) < string(h[j].infoHash[:])
	}
	return h[i].url < h[j].url
}
func (h stopsHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *stopsHeap) Push(x interface{}) { *h = append(*h, x.(stopEntry)) }
func (h *stopsHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// PendingStops returns the count of still-unacknowledged shutdown "stopped"
// requests.
func (a *Announcer) PendingStops() int { return a.stops.Len() }

// DrainStops issues the stopped requests in shutdown priority order,
// returning once the queue is empty or ctxDone fires. Intended for the
// session's bounded shutdown deadline (§5's cancellation rules).
func (a *Announcer) DrainStops(ctxDone <-chan struct{}) {
	for a.stops.Len() > 0 {
		select {
		case <-ctxDone:
			return
		default:
		}
		e := heap.Pop(a.stops).(stopEntry)
		a.dispatchStop(e)
	}
}

func (a *Announcer) dispatchStop(e stopEntry) {
	t := a.transport(e.url)
	if t == nil {
		return
	}
	// Best effort; the torrent is already gone from the registry, so there's
	// nothing left to update on response other than letting the tracker know.
	_, _ = t.Announce(e.url, AnnounceRequest{InfoHash: e.infoHash, Event: Stopped})
}

// Upkeep runs one 500ms tick: scrapes first (so fresh peer counts inform
// announce ordering), then up to MaxAnnouncesPerUpkeep announces, per §4.F.
func (a *Announcer) Upkeep(now time.Time) {
	for _, si := range a.scrapeInfo {
		si.BeginRound()
	}
	a.runScrapes(now)
	a.runAnnounces(now)
}

type readyAnnounce struct {
	ta        *TorrentAnnouncer
	tierIndex int
}

// compareAnnounceTiers implements §4.F's compare_announce_tiers:
// priority desc, leecher_count desc, is_done asc, (up+down) desc,
// announce_at asc, pointer (final total-order tiebreak).
func compareAnnounceTiers(a, b readyAnnounce) bool {
	ta, tb := a.ta.Tiers[a.tierIndex], b.ta.Tiers[b.tierIndex]
	pa, pb := tierPriority(ta), tierPriority(tb)
	if pa != pb {
		return pa > pb
	}
	la, lb := tierLeecherCount(ta), tierLeecherCount(tb)
	if la != lb {
		return la > lb
	}
	da, db := isDone(a.ta), isDone(b.ta)
	if da != db {
		return !da // is_done asc: false (not done) sorts first
	}
	sa, sb := ta.ByteCounts.Up+ta.ByteCounts.Down, tb.ByteCounts.Up+tb.ByteCounts.Down
	if sa != sb {
		return sa > sb
	}
	if !ta.AnnounceAt.Equal(tb.AnnounceAt) {
		return ta.AnnounceAt.Before(tb.AnnounceAt)
	}
	// Final tiebreak: any stable, total order. Info hash bytes serve as the
	// "pointer" stand-in since this implementation has no object identity to
	// compare.
	return string(a.ta.InfoHash[:])+itoa(a.tierIndex) < string(b.ta.InfoHash[:])+itoa(b.tierIndex)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func tierPriority(t *Tier) int {
	e, _ := t.PeekEvent()
	return e.priority() // higher-priority events should be announced sooner
}

func tierLeecherCount(t *Tier) int32 {
	cur := t.CurrentTracker()
	if cur == nil {
		return 0
	}
	return cur.LeecherCount
}

func isDone(ta *TorrentAnnouncer) bool {
	if ta.Callbacks.IsDone == nil {
		return false
	}
	return ta.Callbacks.IsDone()
}

func (a *Announcer) runAnnounces(now time.Time) {
	var ready []readyAnnounce
	for _, ta := range a.torrents {
		for i, tier := range ta.Tiers {
			if tier.NeedsToAnnounce(now) {
				ready = append(ready, readyAnnounce{ta: ta, tierIndex: i})
			}
		}
	}
	sort.Slice(ready, func(i, j int) bool { return compareAnnounceTiers(ready[i], ready[j]) })
	if len(ready) > MaxAnnouncesPerUpkeep {
		ready = ready[:MaxAnnouncesPerUpkeep]
	}
	for _, r := range ready {
		a.dispatchAnnounce(r.ta, r.tierIndex, now)
	}
}

func (a *Announcer) dispatchAnnounce(ta *TorrentAnnouncer, tierIndex int, now time.Time) {
	tier := ta.Tiers[tierIndex]
	cur := tier.CurrentTracker()
	if cur == nil {
		return
	}
	event, _ := tier.PeekEvent()
	tier.IsAnnouncing = true

	req := AnnounceRequest{
		InfoHash:  ta.InfoHash,
		PeerID:    ta.PeerID,
		Up:        tier.ByteCounts.Up,
		Down:      tier.ByteCounts.Down,
		Corrupt:   tier.ByteCounts.Corrupt,
		Event:     event,
		Port:      ta.Port,
		Key:       a.key,
		TrackerID: cur.TrackerID,
	}
	if ta.Callbacks.CurrentLeft != nil {
		req.Left = ta.Callbacks.CurrentLeft()
	}
	req.NumWant = req.NumWantDefault()

	t := a.transport(cur.AnnounceURL)
	var resp AnnounceResponse
	var err error
	if t == nil {
		err = ErrCouldNotConnect
	} else {
		resp, err = t.Announce(cur.AnnounceURL, req)
	}
	a.processAnnounceResult(ta.InfoHash, tierIndex, event, resp, err, now)
}

// processAnnounceResult implements §4.F's "Announce response handling".
// It re-resolves ta/tier by InfoHash/tierIndex so a torrent removed while
// the request was in flight causes this to no-op, per §5/§9.
func (a *Announcer) processAnnounceResult(infoHash [20]byte, tierIndex int, event AnnounceEvent, resp AnnounceResponse, err error, now time.Time) {
	ta, ok := a.torrents[infoHash]
	if !ok {
		return
	}
	tier := ta.tierByIndex(tierIndex)
	if tier == nil {
		return
	}
	tier.IsAnnouncing = false
	tier.LastAnnounceTime = now

	if err != nil {
		a.handleAnnounceError(ta, tierIndex, tier, err, now)
		return
	}
	if resp.FailureReason != "" {
		a.handleAnnounceFailure(ta, tierIndex, tier, resp.FailureReason, now)
		return
	}

	tier.LastAnnounceSucceeded = true
	tier.LastAnnounceTimedOut = false
	tier.LastAnnounceStr = ""

	cur := tier.CurrentTracker()
	if cur != nil {
		cur.ConsecutiveFailures = 0
		if resp.TrackerID != "" {
			cur.TrackerID = resp.TrackerID
		}
		if resp.Seeders != 0 || resp.Leechers != 0 {
			cur.SeederCount = resp.Seeders
			cur.LeecherCount = resp.Leechers
		}
	}

	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	tier.AnnounceAt = now.Add(interval)

	if len(resp.Peers) > 0 && ta.Callbacks.PublishPeers != nil {
		ta.Callbacks.PublishPeers(tierIndex, resp.Peers)
	}
	if len(resp.Peers6) > 0 && ta.Callbacks.PublishPeers6 != nil {
		ta.Callbacks.PublishPeers6(tierIndex, resp.Peers6)
	}
	if ta.Callbacks.PublishPeerCounts != nil {
		ta.Callbacks.PublishPeerCounts(tierIndex, resp.Seeders, resp.Leechers)
	}

	minScrapeFields := 3
	if resp.HasSeparateScrape {
		minScrapeFields = 3
	} else {
		minScrapeFields = 1
	}
	if resp.ScrapeFields >= minScrapeFields {
		tier.LastScrapeTime = now
		tier.LastScrapeSucceeded = true
		tier.ScrapeAt = RoundUpScrapeAt(now, interval)
	} else if !tier.ScrapeAt.IsZero() && !tier.ScrapeAt.After(now) {
		tier.ScrapeAt = RoundUpScrapeAt(now, time.Minute)
	}

	// Pop the event we just announced. If it wasn't Stopped, and the queue is
	// now empty, enqueue a periodic re-announce.
	poppedEvent, _ := tier.PopEvent()
	if poppedEvent == Stopped {
		tier.ByteCounts.Zero()
		return
	}
	if tier.EventsEmpty() {
		tier.QueueEvent(None)
	}
}

func (a *Announcer) handleAnnounceError(ta *TorrentAnnouncer, tierIndex int, tier *Tier, err error, now time.Time) {
	tier.LastAnnounceSucceeded = false
	if err == ErrTrackerDidNotRespond {
		tier.LastAnnounceTimedOut = true
		tier.LastAnnounceStr = "Tracker did not respond"
	} else {
		tier.LastAnnounceTimedOut = false
		tier.LastAnnounceStr = "Could not connect"
	}
	a.failCurrentTracker(ta, tierIndex, tier, tier.LastAnnounceStr, now)
}

func (a *Announcer) handleAnnounceFailure(ta *TorrentAnnouncer, tierIndex int, tier *Tier, msg string, now time.Time) {
	tier.LastAnnounceSucceeded = false
	tier.LastAnnounceTimedOut = false
	tier.LastAnnounceStr = msg
	a.failCurrentTracker(ta, tierIndex, tier, msg, now)
}

// failCurrentTracker implements the shared failover path: publish the error
// only if the torrent has <= 1 tracker total (avoid spamming on multi-tracker
// torrents), bump ConsecutiveFailures/backoff, and switch to the next
// tracker in the tier.
func (a *Announcer) failCurrentTracker(ta *TorrentAnnouncer, tierIndex int, tier *Tier, msg string, now time.Time) {
	cur := tier.CurrentTracker()
	if cur != nil {
		cur.ConsecutiveFailures++
		if totalTrackers(ta) <= 1 && ta.Callbacks.PublishError != nil {
			ta.Callbacks.PublishError(tierIndex, msg)
		}
		tier.AnnounceAt = now.Add(cur.RetryInterval())
	} else {
		tier.AnnounceAt = now.Add(time.Minute)
	}
	tier.UseNextTracker()
}

func totalTrackers(ta *TorrentAnnouncer) int {
	n := 0
	for _, t := range ta.Tiers {
		n += len(t.Trackers)
	}
	return n
}

type readyScrape struct {
	ta        *TorrentAnnouncer
	tierIndex int
	url       string
}

// runScrapes groups scrape-ready tiers by scrape URL, packs them into
// MultiscrapeMax-sized batches, and dispatches up to MaxScrapesPerUpkeep
// total requests this tick, per §4.F / §8 property 6.
func (a *Announcer) runScrapes(now time.Time) {
	byURL := map[string][]readyScrape{}
	for _, ta := range a.torrents {
		for i, tier := range ta.Tiers {
			if !tier.NeedsToScrape(now) {
				continue
			}
			cur := tier.CurrentTracker()
			byURL[cur.ScrapeURL] = append(byURL[cur.ScrapeURL], readyScrape{ta: ta, tierIndex: i, url: cur.ScrapeURL})
		}
	}

	dispatched := 0
	for url, rs := range byURL {
		if dispatched >= MaxScrapesPerUpkeep {
			break
		}
		si := a.scrapeInfo[url]
		if si == nil {
			si = NewScrapeInfo(url)
			a.scrapeInfo[url] = si
		}
		hashes := make([][20]byte, len(rs))
		byHash := map[[20]byte]readyScrape{}
		for i, r := range rs {
			hashes[i] = r.ta.InfoHash
			byHash[r.ta.InfoHash] = r
			r.ta.Tiers[r.tierIndex].IsScraping = true
		}
		for _, batch := range si.Batch(hashes) {
			if dispatched >= MaxScrapesPerUpkeep {
				break
			}
			dispatched++
			t := a.transport(url)
			var resp ScrapeResponse
			var err error
			if t == nil {
				err = ErrCouldNotConnect
			} else {
				resp, err = t.Scrape(url, ScrapeRequest{InfoHashes: batch})
			}
			a.processScrapeResult(url, si, batch, byHash, resp, err, now)
		}
	}
}

func (a *Announcer) processScrapeResult(url string, si *ScrapeInfo, batch [][20]byte, byHash map[[20]byte]readyScrape, resp ScrapeResponse, err error, now time.Time) {
	rowsByHash := map[[20]byte]ScrapeRow{}
	for _, row := range resp.Rows {
		rowsByHash[row.InfoHash] = row
	}
	tooLong := err == nil && IsURITooLong(resp.ErrMsg)
	if tooLong {
		si.ShrinkOnce()
	}
	for _, ih := range batch {
		r, ok := byHash[ih]
		if !ok {
			continue
		}
		ta, ok := a.torrents[ih]
		if !ok {
			continue
		}
		tier := ta.tierByIndex(r.tierIndex)
		if tier == nil {
			continue
		}
		tier.IsScraping = false
		if err != nil || tooLong {
			tier.LastScrapeSucceeded = false
			tier.LastScrapeStr = resp.ErrMsg
			if err != nil {
				tier.LastScrapeStr = err.Error()
			}
			tier.ScrapeAt = RoundUpScrapeAt(now, time.Minute)
			continue
		}
		row, ok := rowsByHash[ih]
		if !ok {
			tier.ScrapeAt = RoundUpScrapeAt(now, time.Minute)
			continue
		}
		tier.LastScrapeTime = now
		tier.LastScrapeSucceeded = true
		tier.ScrapeAt = RoundUpScrapeAt(now, 30*time.Minute)
		cur := tier.CurrentTracker()
		if cur != nil {
			cur.SeederCount = row.Seeders
			cur.LeecherCount = row.Leechers
			cur.DownloadCount = row.Completed
		}
		if ta.Callbacks.PublishPeerCounts != nil {
			ta.Callbacks.PublishPeerCounts(r.tierIndex, row.Seeders, row.Leechers)
		}
	}
}
