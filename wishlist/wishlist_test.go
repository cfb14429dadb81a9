package wishlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	pieces       int
	prio         map[int]Priority
	spans        map[int][2]int
	missing      map[int]int
	have         map[int]bool
	requested    map[int]bool
	active       map[int]int
	endgame      bool
}

func (f *fakePeer) PieceCount() int { return f.pieces }
func (f *fakePeer) Priority(p int) Priority {
	if v, ok := f.prio[p]; ok {
		return v
	}
	return PriorityNormal
}
func (f *fakePeer) BlockSpan(p int) (int, int) { s := f.spans[p]; return s[0], s[1] }
func (f *fakePeer) MissingBlockCount(p int) int { return f.missing[p] }
func (f *fakePeer) ClientCanRequestPiece(p int) bool { return f.have[p] }
func (f *fakePeer) ClientCanRequestBlock(b int) bool { return !f.requested[b] }
func (f *fakePeer) CountActiveRequests(b int) int    { return f.active[b] }
func (f *fakePeer) IsEndgame() bool                  { return f.endgame }

func newFakePeer() *fakePeer {
	return &fakePeer{
		prio:      map[int]Priority{},
		spans:     map[int][2]int{},
		missing:   map[int]int{},
		have:      map[int]bool{},
		requested: map[int]bool{},
		active:    map[int]int{},
	}
}

func TestPriorityOrdering(t *testing.T) {
	f := newFakePeer()
	f.pieces = 3
	for p := 0; p < 3; p++ {
		f.have[p] = true
		f.missing[p] = 100
		f.spans[p] = [2]int{p * 100, p*100 + 100}
	}
	f.prio[1] = PriorityNow

	for n := 1; n <= 100; n *= 10 {
		spans := Next(f, n)
		for _, s := range spans {
			assert.GreaterOrEqual(t, s.Begin, 100)
			assert.LessOrEqual(t, s.End, 200)
		}
	}
}

func TestNeverExceedsBudget(t *testing.T) {
	f := newFakePeer()
	f.pieces = 1
	f.have[0] = true
	f.missing[0] = 50
	f.spans[0] = [2]int{0, 50}

	spans := Next(f, 10)
	total := 0
	for _, s := range spans {
		total += s.End - s.Begin
	}
	assert.Equal(t, 10, total)
}

func TestNeverRequestsBlockCallerRejects(t *testing.T) {
	f := newFakePeer()
	f.pieces = 1
	f.have[0] = true
	f.spans[0] = [2]int{0, 4}
	f.requested[1] = true // caller says block 1 is off-limits

	spans := Next(f, 4)
	for _, s := range spans {
		for b := s.Begin; b < s.End; b++ {
			assert.NotEqual(t, 1, b)
		}
	}
}

func TestEndgameAllowsDuplicates(t *testing.T) {
	f := newFakePeer()
	f.pieces = 1
	f.have[0] = true
	f.spans[0] = [2]int{0, 4}
	f.active[0] = 1 // already requested from someone else
	f.endgame = true

	spans := Next(f, 4)
	total := 0
	for _, s := range spans {
		total += s.End - s.Begin
	}
	require.Equal(t, 4, total)

	f.endgame = false
	spans = Next(f, 4)
	total = 0
	for _, s := range spans {
		total += s.End - s.Begin
	}
	assert.Equal(t, 3, total)
}
