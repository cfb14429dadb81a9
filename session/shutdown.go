package session

import (
	"time"

	"github.com/anacrolix/log"
)

// shutdownDeadline bounds the whole sequence, per §4.J.
const shutdownDeadline = 20 * time.Second

// shutdown runs the seven-step sequence of §4.J, bounded by shutdownDeadline;
// reaching the deadline forces the remaining steps rather than blocking
// forever, mirroring "forced loop-break if the deadline is reached."
func (s *Session) shutdown() error {
	defer close(s.closedCh)

	deadline := time.Now().Add(shutdownDeadline)

	// Step 1: mark closing, disable the port mapper and further upkeep.
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cfg.NatPmpEnabled = false

	// Step 2: tear down torrents biggest-contributor-first.
	s.mu.Lock()
	byActivity := s.reg.byActivityDesc()
	s.mu.Unlock()
	for _, t := range byActivity {
		s.RemoveTorrent(t)
	}

	// Step 3: the announcer is closed only after every torrent has queued
	// its stop announce, so DrainStops below has something to dispatch.

	// Step 4: the RPC listener is already being torn down by its own
	// goroutine reacting to ctx.Done(); nothing further to do here beyond
	// letting in-flight requests finish within the deadline.

	// Step 5: drain queued stop announces until empty or the deadline
	// passes. DrainStops dispatches synchronously in shutdown-priority
	// order; the deadline timer is its cancellation signal.
	drainDone := make(chan struct{})
	timer := time.AfterFunc(time.Until(deadline), func() { close(drainDone) })
	s.Announcer.DrainStops(drainDone)
	timer.Stop()
	if pending := s.Announcer.PendingStops(); pending > 0 {
		s.logger.Levelf(log.Warning, "session: shutdown deadline reached with %d stop announces undispatched", pending)
	}

	// Step 6: nothing further owned directly by Session; the blocklist and
	// NAT-PMP driver hold no resources beyond memory.
	s.NatPmp = nil
	s.Blocklist = nil

	// Step 7: the event loop (Run's select) has already returned by the
	// time shutdown is called; closedCh signals Close's waiter.
	return nil
}
