package tracker

import (
	"math/rand"
	"time"
)

// Tracker is one entry in a Tier: a host:port key, its announce/scrape URLs,
// and the per-tracker counters and backoff state described in §3.
type Tracker struct {
	AnnounceURL string
	ScrapeURL   string // empty if the tracker has no separate scrape URL
	Sitename    string

	TrackerID string

	SeederCount    int32
	LeecherCount   int32
	DownloadCount  int32
	DownloaderCount int32

	ConsecutiveFailures int
}

// retrySchedule is §4.F's backoff table, keyed by ConsecutiveFailures and
// capped at the final entry; each entry beyond the first two carries a
// rand(60)-second jitter per the scenario table in §8 (S4).
var retrySchedule = []int{0, 20, 300, 900, 1800, 3600, 7200}

// RetryInterval returns how long to wait before retrying this tracker, given
// its current ConsecutiveFailures, with the jittered tail per S4.
func (tr *Tracker) RetryInterval() time.Duration {
	return retryIntervalFor(tr.ConsecutiveFailures)
}

func retryIntervalFor(failures int) time.Duration {
	idx := failures
	if idx >= len(retrySchedule) {
		idx = len(retrySchedule) - 1
	}
	base := retrySchedule[idx]
	if idx <= 1 {
		return time.Duration(base) * time.Second
	}
	return time.Duration(base+rand.Intn(60)) * time.Second
}

// Tier is an ordered group of interchangeable trackers for one torrent.
type Tier struct {
	Trackers []*Tracker
	current  int
	hasCur   bool

	ByteCounts ByteCounts

	IsRunning    bool
	IsAnnouncing bool
	IsScraping   bool

	AnnounceAt            time.Time
	ScrapeAt              time.Time
	ManualAnnounceAllowedAt time.Time

	LastAnnounceTime      time.Time
	LastAnnounceSucceeded bool
	LastAnnounceTimedOut  bool
	LastAnnounceStr       string

	LastScrapeTime      time.Time
	LastScrapeSucceeded bool
	LastScrapeTimedOut  bool
	LastScrapeStr       string

	events []AnnounceEvent
}

// ByteCounts is the per-direction counters that persist across tracker
// switches within a tier, per §3.
type ByteCounts struct {
	Up, Down, Corrupt int64
}

func (b *ByteCounts) Zero() { *b = ByteCounts{} }

// CurrentTracker returns the active tracker, or nil if none is selected.
func (t *Tier) CurrentTracker() *Tracker {
	if !t.hasCur || len(t.Trackers) == 0 {
		return nil
	}
	return t.Trackers[t.current]
}

// UseNextTracker advances the index modulo tier size and resets per-tracker
// transient announce/scrape state.
func (t *Tier) UseNextTracker() {
	if len(t.Trackers) == 0 {
		return
	}
	if !t.hasCur {
		t.current = 0
	} else {
		t.current = (t.current + 1) % len(t.Trackers)
	}
	t.hasCur = true
	t.IsAnnouncing = false
	t.IsScraping = false
}

// QueueEvent appends e to the event FIFO, compacting per §8 property 5:
// inserting Stopped into a non-empty queue yields [Completed?, Stopped]
// (Completed preserved iff present); inserting any event e otherwise yields
// a queue with no consecutive duplicates and no trailing None before e.
func (t *Tier) QueueEvent(e AnnounceEvent) {
	if e == Stopped {
		hasCompleted := false
		for _, ev := range t.events {
			if ev == Completed {
				hasCompleted = true
				break
			}
		}
		t.events = t.events[:0]
		if hasCompleted {
			t.events = append(t.events, Completed)
		}
		t.events = append(t.events, Stopped)
		return
	}
	n := len(t.events)
	for n > 0 && t.events[n-1] == None {
		n--
	}
	t.events = t.events[:n]
	if n > 0 && t.events[n-1] == e {
		return
	}
	t.events = append(t.events, e)
}

// PeekEvent returns the max-priority event currently queued, and whether the
// queue is non-empty.
func (t *Tier) PeekEvent() (AnnounceEvent, bool) {
	if len(t.events) == 0 {
		return None, false
	}
	best := t.events[0]
	for _, e := range t.events[1:] {
		if e.priority() > best.priority() {
			best = e
		}
	}
	return best, true
}

// PopEvent removes and returns the event PeekEvent would return. If the
// popped event was Stopped, the queue is entirely drained (Stopped is
// serializing per §5's ordering guarantees).
func (t *Tier) PopEvent() (AnnounceEvent, bool) {
	e, ok := t.PeekEvent()
	if !ok {
		return None, false
	}
	if e == Stopped {
		t.events = nil
		return e, true
	}
	for i, ev := range t.events {
		if ev == e {
			t.events = append(t.events[:i], t.events[i+1:]...)
			break
		}
	}
	return e, true
}

func (t *Tier) EventsEmpty() bool { return len(t.events) == 0 }

// NeedsToAnnounce implements §4.F transition 1:
//   ¬is_announcing ∧ ¬is_scraping ∧ announce_at ≠ 0 ∧ announce_at ≤ now ∧ events.nonempty
func (t *Tier) NeedsToAnnounce(now time.Time) bool {
	return !t.IsAnnouncing && !t.IsScraping &&
		!t.AnnounceAt.IsZero() && !t.AnnounceAt.After(now) &&
		!t.EventsEmpty()
}

// NeedsToScrape implements §4.F transition 2:
//   ¬is_scraping ∧ scrape_at ≠ 0 ∧ scrape_at ≤ now ∧ current_tracker.has_scrape_url
func (t *Tier) NeedsToScrape(now time.Time) bool {
	cur := t.CurrentTracker()
	return !t.IsScraping &&
		!t.ScrapeAt.IsZero() && !t.ScrapeAt.After(now) &&
		cur != nil && cur.ScrapeURL != ""
}

// RoundUpScrapeAt rounds now+interval up to the next multiple of 10 seconds,
// per §4.F's scrape time rounding rule and §8 property 8.
func RoundUpScrapeAt(now time.Time, interval time.Duration) time.Time {
	t := now.Add(interval)
	unix := t.Unix()
	rem := unix % 10
	if rem != 0 {
		unix += 10 - rem
	}
	return time.Unix(unix, 0)
}

