// Package bandwidth implements the hierarchical token-bucket limiter described
// in the session's bandwidth model: a tree of Nodes where clamp(dir, n)
// descends from a peer leaf to the root and consume(dir, n, isPayload)
// accounts the transfer and records it into a short sliding-window speed
// estimator. It is grounded on the teacher's bucket primitive
// (golang.org/x/time/rate, imported by anacrolix/torrent's config.go) composed
// into a tree the way anacrolix/torrent composes per-torrent and per-peer
// rate.Limiters under a global one.
package bandwidth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Direction of a byte transfer.
type Direction int

const (
	Up Direction = iota
	Down
)

// ticksPerSecond is the nominal scheduler cadence. The rate.Limiter token
// buckets refill continuously, so no per-tick top-up is computed from it.
const ticksPerSecond = 10

const historyWindow = 2 * time.Second

// Node is one point in the bandwidth tree. A Node with Limited == false for a
// direction passes clamp() through unmodified and never blocks; this mirrors
// the session root and unlimited ancestors.
type Node struct {
	mu       sync.Mutex
	parent   *Node
	children []*Node

	limited    [2]bool
	desiredBps [2]int64
	buckets    [2]*rate.Limiter

	history [2]*speedHistory
}

// NewRoot creates an unparented root node (the session's bandwidth root).
func NewRoot() *Node {
	return &Node{
		history: [2]*speedHistory{newSpeedHistory(), newSpeedHistory()},
	}
}

// NewChild creates a node parented under n (e.g. a torrent node under the
// session root, or a peer leaf under a torrent node).
func (n *Node) NewChild() *Node {
	c := &Node{
		parent:  n,
		history: [2]*speedHistory{newSpeedHistory(), newSpeedHistory()},
	}
	n.mu.Lock()
	n.children = append(n.children, c)
	n.mu.Unlock()
	return c
}

// SetLimit sets the desired bytes/sec for dir; desiredBps <= 0 means
// unlimited and disables clamping at this node.
func (n *Node) SetLimit(dir Direction, desiredBps int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.desiredBps[dir] = desiredBps
	if desiredBps <= 0 {
		n.limited[dir] = false
		n.buckets[dir] = nil
		return
	}
	n.limited[dir] = true
	if n.buckets[dir] == nil {
		n.buckets[dir] = rate.NewLimiter(rate.Limit(desiredBps), int(desiredBps))
	} else {
		n.buckets[dir].SetLimit(rate.Limit(desiredBps))
		n.buckets[dir].SetBurst(int(desiredBps))
	}
}

// available returns the tokens available at this node only, or -1 if unlimited.
func (n *Node) available(dir Direction) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.limited[dir] || n.buckets[dir] == nil {
		return -1
	}
	tokens := int64(n.buckets[dir].Tokens())
	if tokens < 0 {
		tokens = 0
	}
	return tokens
}

// Clamp descends from this node (typically a peer leaf) to the root,
// returning min(want, tokens available along every limited ancestor).
func (n *Node) Clamp(dir Direction, want int64) int64 {
	if want <= 0 {
		return 0
	}
	allowed := want
	for cur := n; cur != nil; cur = cur.parent {
		if a := cur.available(dir); a >= 0 && a < allowed {
			allowed = a
		}
	}
	if allowed < 0 {
		allowed = 0
	}
	return allowed
}

// Consume deducts n bytes from this node up to the root and records the
// transfer into each node's sliding-window speed history.
func (n *Node) Consume(dir Direction, nBytes int64, isPayload bool) {
	if nBytes <= 0 {
		return
	}
	for cur := n; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		if cur.limited[dir] && cur.buckets[dir] != nil {
			cur.buckets[dir].AllowN(time.Now(), int(nBytes))
		}
		hist := cur.history[dir]
		cur.mu.Unlock()
		hist.add(nBytes, isPayload)
	}
}

// Refill is called once per scheduler tick (the session calls it on its
// 1-second tick); golang.org/x/time/rate already refills continuously, so
// this only rolls the speed history windows forward.
func (n *Node) Refill(now time.Time) {
	n.mu.Lock()
	for _, h := range n.history {
		h.tick(now)
	}
	children := n.children
	n.mu.Unlock()
	for _, c := range children {
		c.Refill(now)
	}
}

// PieceSpeedBps returns the recent payload-only throughput.
func (n *Node) PieceSpeedBps(dir Direction) int64 {
	return n.history[dir].pieceBps()
}

// RawSpeedBps returns the recent throughput including protocol overhead.
func (n *Node) RawSpeedBps(dir Direction) int64 {
	return n.history[dir].rawBps()
}

type speedSample struct {
	at      time.Time
	raw     int64
	payload int64
}

// speedHistory is a short sliding window used to estimate piece vs raw speed.
type speedHistory struct {
	mu      sync.Mutex
	samples []speedSample
}

func newSpeedHistory() *speedHistory {
	return &speedHistory{}
}

func (h *speedHistory) add(n int64, isPayload bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := speedSample{at: time.Now(), raw: n}
	if isPayload {
		s.payload = n
	}
	h.samples = append(h.samples, s)
	h.prune(s.at)
}

func (h *speedHistory) tick(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(now)
}

func (h *speedHistory) prune(now time.Time) {
	cutoff := now.Add(-historyWindow)
	i := 0
	for ; i < len(h.samples); i++ {
		if h.samples[i].at.After(cutoff) {
			break
		}
	}
	h.samples = h.samples[i:]
}

func (h *speedHistory) pieceBps() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(time.Now())
	var total int64
	for _, s := range h.samples {
		total += s.payload
	}
	return int64(float64(total) / historyWindow.Seconds())
}

func (h *speedHistory) rawBps() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(time.Now())
	var total int64
	for _, s := range h.samples {
		total += s.raw
	}
	return int64(float64(total) / historyWindow.Seconds())
}
