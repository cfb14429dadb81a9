package bandwidth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampDescendsToRoot(t *testing.T) {
	root := NewRoot()
	root.SetLimit(Down, 1000)
	torrentNode := root.NewChild()
	peerNode := torrentNode.NewChild()

	allowed := peerNode.Clamp(Down, 5000)
	require.LessOrEqual(t, allowed, int64(1000))
}

func TestClampUnlimitedPassesThrough(t *testing.T) {
	root := NewRoot()
	peer := root.NewChild()
	assert.Equal(t, int64(12345), peer.Clamp(Down, 12345))
}

func TestConsumeAccountsUpward(t *testing.T) {
	root := NewRoot()
	torrentNode := root.NewChild()
	peerNode := torrentNode.NewChild()
	peerNode.Consume(Down, 16384, true)
	assert.GreaterOrEqual(t, root.PieceSpeedBps(Down), int64(0))
}

func TestTurtleScheduleWraps(t *testing.T) {
	sched := Schedule{Enabled: true, BeginMinute: 23 * 60, EndMinute: 6 * 60, DayMask: 0xFF}
	// 23:30 on any day is within the wrapped window.
	t0 := time.Date(2026, 1, 5, 23, 30, 0, 0, time.UTC) // Monday
	assert.True(t, sched.Active(t0))
	// 03:00 the next day should also be active (carried from previous day).
	t1 := time.Date(2026, 1, 6, 3, 0, 0, 0, time.UTC)
	assert.True(t, sched.Active(t1))
	// Midday is not in the window.
	t2 := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	assert.False(t, sched.Active(t2))
}

func TestManualToggleNotImmediatelyUndone(t *testing.T) {
	// Schedule is currently in its "off" window; a first Tick establishes the
	// AutoSwitch baseline at Off without touching Enabled (it starts false).
	sched := Schedule{Enabled: true, BeginMinute: 0, EndMinute: 1, DayMask: 0}
	tt := &Turtle{Schedule: sched}
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	tt.Tick(now)
	assert.Equal(t, AutoSwitchOff, tt.AutoSwitch)

	// User manually turns turtle mode on while the schedule still says off.
	tt.ManualToggle(true)
	assert.True(t, tt.Enabled)

	// A tick at the same schedule state (still off) must not undo the manual
	// choice, since the schedule hasn't produced a new edge.
	tt.Tick(now)
	assert.True(t, tt.Enabled)
}
