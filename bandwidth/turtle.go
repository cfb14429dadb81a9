package bandwidth

import "time"

// AutoSwitchState tracks whether the weekly schedule or the user was the last
// to toggle turtle mode, so the scheduler does not immediately undo a manual
// toggle on its next tick.
type AutoSwitchState int

const (
	AutoSwitchUnused AutoSwitchState = iota
	AutoSwitchOn
	AutoSwitchOff
)

// Schedule is a weekly 7x1440-bit per-minute turtle-mode window.
// BeginMinute and EndMinute are minutes since local midnight, End <= Begin
// means the window wraps into the next day. DayMask bit i (0=Sunday) means
// the schedule applies on that weekday.
type Schedule struct {
	Enabled     bool
	BeginMinute int
	EndMinute   int
	DayMask     uint8
}

// Active reports whether the schedule calls for turtle mode at t.
func (s Schedule) Active(t time.Time) bool {
	if !s.Enabled {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	today := uint8(1) << uint(t.Weekday())
	yesterday := uint8(1) << uint((t.Weekday()+6)%7)

	if s.EndMinute <= s.BeginMinute {
		// Wraps past midnight: active from BeginMinute..1440 on "today", and
		// 0..EndMinute on "today" if we started the window "yesterday".
		if s.DayMask&today != 0 && minute >= s.BeginMinute {
			return true
		}
		if s.DayMask&yesterday != 0 && minute < s.EndMinute {
			return true
		}
		return false
	}
	return s.DayMask&today != 0 && minute >= s.BeginMinute && minute < s.EndMinute
}

// Turtle holds the alternate speed limits and the weekly auto-toggle schedule.
//
// AutoSwitch records what the schedule last computed, independent of Enabled.
// The scheduler only acts on edges of that computed value (Tick), so a manual
// toggle that disagrees with the schedule is not immediately fought on the
// very next tick — only when the schedule's own state actually changes.
type Turtle struct {
	Enabled    bool
	UpBps      int64
	DownBps    int64
	Schedule   Schedule
	AutoSwitch AutoSwitchState
}

// ManualToggle is called when the user explicitly flips turtle mode. It does
// not touch AutoSwitch, so the schedule's edge-detection is unaffected.
func (tt *Turtle) ManualToggle(enabled bool) {
	tt.Enabled = enabled
}

// Tick applies the weekly schedule at time now. It only changes Enabled when
// the schedule's computed state differs from what it computed last tick
// (an edge), so it never fights a manual toggle taken mid-window.
func (tt *Turtle) Tick(now time.Time) {
	want := tt.Schedule.Active(now)
	wantState := AutoSwitchOff
	if want {
		wantState = AutoSwitchOn
	}
	if tt.AutoSwitch == wantState {
		return
	}
	tt.AutoSwitch = wantState
	tt.Enabled = want
}

// EffectiveLimits returns the limits to apply given primary limits and turtle
// state: when turtle is enabled, its pair replaces the primary.
func (tt *Turtle) EffectiveLimits(primaryUp, primaryDown int64) (up, down int64) {
	if tt.Enabled {
		return tt.UpBps, tt.DownBps
	}
	return primaryUp, primaryDown
}
