// Package wishlist chooses which blocks to request next from a peer, given
// rarity/priority policy and endgame status, grounded on the teacher's
// request_strategy package (anacrolix/torrent's request-strategy-impls.go),
// which likewise orders candidate pieces by priority then availability
// before walking them to fill a fixed request budget.
package wishlist

import "math/rand"

// Priority mirrors piece priority ordering; higher sorts first.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityNormal
	PriorityReadahead
	PriorityNext
	PriorityNow
)

// PeerInfo is the capability surface the wishlist algorithm needs from the
// caller; it never mutates peer or torrent state itself.
type PeerInfo interface {
	PieceCount() int
	Priority(piece int) Priority
	BlockSpan(piece int) (begin, end int)
	MissingBlockCount(piece int) int
	ClientCanRequestPiece(piece int) bool
	ClientCanRequestBlock(block int) bool
	CountActiveRequests(block int) int
	IsEndgame() bool
}

// Span is a contiguous inclusive-exclusive range of block indices.
type Span struct {
	Begin, End int
}

type candidate struct {
	piece   int
	prio    Priority
	missing int
	tie     int
}

// Next returns up to n blocks worth of requests, coalesced into contiguous
// spans, ascending within each piece so that data arrives contiguous where
// possible. It never emits a block for which ClientCanRequestBlock is false,
// and never emits more than n blocks total.
func Next(peer PeerInfo, n int) []Span {
	if n <= 0 {
		return nil
	}

	var candidates []candidate
	for p := 0; p < peer.PieceCount(); p++ {
		if !peer.ClientCanRequestPiece(p) {
			continue
		}
		candidates = append(candidates, candidate{
			piece:   p,
			prio:    peer.Priority(p),
			missing: peer.MissingBlockCount(p),
			tie:     rand.Int(),
		})
	}

	sortCandidates(candidates)

	var spans []Span
	remaining := n
	for _, c := range candidates {
		if remaining <= 0 {
			break
		}
		begin, end := peer.BlockSpan(c.piece)
		var curBegin, curEnd int
		haveOpen := false
		for b := begin; b < end && remaining > 0; b++ {
			if !peer.ClientCanRequestBlock(b) {
				continue
			}
			if !peer.IsEndgame() && peer.CountActiveRequests(b) != 0 {
				continue
			}
			if haveOpen && b == curEnd {
				curEnd = b + 1
			} else {
				if haveOpen {
					spans = append(spans, Span{curBegin, curEnd})
				}
				curBegin, curEnd = b, b+1
				haveOpen = true
			}
			remaining--
		}
		if haveOpen {
			spans = append(spans, Span{curBegin, curEnd})
		}
	}
	return spans
}

// sortCandidates orders by (priority desc, missing_block_count asc, tiebreak
// random), the key described in §4.E.
func sortCandidates(cs []candidate) {
	// Simple insertion sort is fine: candidate lists are bounded by piece
	// count, which for real torrents is at most tens of thousands, and this
	// runs at most once per request-budget refill.
	for i := 1; i < len(cs); i++ {
		j := i
		for j > 0 && less(cs[j], cs[j-1]) {
			cs[j], cs[j-1] = cs[j-1], cs[j]
			j--
		}
	}
}

func less(a, b candidate) bool {
	if a.prio != b.prio {
		return a.prio > b.prio
	}
	if a.missing != b.missing {
		return a.missing < b.missing
	}
	return a.tie < b.tie
}
