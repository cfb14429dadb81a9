package session

import (
	"time"

	"github.com/smoothmiao/transmission/bandwidth"
	"github.com/smoothmiao/transmission/completion"
	"github.com/smoothmiao/transmission/peerio"
	"github.com/smoothmiao/transmission/resume"
	"github.com/smoothmiao/transmission/tracker"
)

// RunState is the torrent lifecycle state named in §3.
type RunState int

const (
	Stopped RunState = iota
	Queued
	Checking
	Downloading
	Seeding
)

func (s RunState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Queued:
		return "queued"
	case Checking:
		return "checking"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	default:
		return "unknown"
	}
}

// ByteCounts splits a direction's lifetime total into a persisted prefix and
// the current-session delta, per §3's "uploaded/downloaded/corrupt, split
// into prev (persisted) and cur (session)".
type ByteCounts struct {
	Prev, Cur int64
}

// Total is the full lifetime count, prev plus the running session.
func (b ByteCounts) Total() int64 { return b.Prev + b.Cur }

// Torrent is one registry entry, per §3's Torrent data model. It owns the
// layout-derived Completion accounting and the tracker-facing announcer
// state; MetaInfo parsing itself is external (§1 Non-goals), so a Torrent is
// always constructed already knowing its piece layout and tiers.
type Torrent struct {
	ID       int
	InfoHash [20]byte
	Name     string

	Completion *completion.Completion
	Announcer  *tracker.TorrentAnnouncer
	Bandwidth  *bandwidth.Node
	Peers      *peerio.Swarm

	Uploaded   ByteCounts
	Downloaded ByteCounts
	Corrupt    ByteCounts

	DownloadDir   string
	IncompleteDir string

	RunState RunState

	AddedDate    time.Time
	DoneDate     time.Time
	ActivityDate time.Time

	Labels []string

	FilePriorities []int8
	Dnd            []bool
	Filenames      []string

	MaxPeers   int32
	SpeedLimit resume.SpeedLimit
	RatioLimit resume.RatioLimit
	IdleLimit  resume.IdleLimit

	dirty resume.Fields
}

// totalActivity is the (up+down) figure the shutdown sequence sorts by, per
// §4.J step 2.
func (t *Torrent) totalActivity() int64 {
	return t.Uploaded.Total() + t.Downloaded.Total()
}

// Status derives the run-state-aware classification spec.md §3 describes:
// the completion status applies only while actively running; a stopped
// torrent reports Stopped regardless of completeness.
func (t *Torrent) Status() RunState {
	if t.RunState == Stopped || t.RunState == Queued || t.RunState == Checking {
		return t.RunState
	}
	if t.Completion.Status() == completion.Seed {
		return Seeding
	}
	return Downloading
}

// MarkDirty records that a field group changed since the last resume save,
// per §4.H's "tracks which groups are dirty" contract.
func (t *Torrent) MarkDirty(f resume.Fields) {
	t.dirty |= f
	t.ActivityDate = time.Now()
}

// ResumeState snapshots the fields resume.Save persists, per §4.H.
func (t *Torrent) ResumeState(progress resume.Progress) *resume.State {
	return &resume.State{
		Corrupt:        t.Corrupt.Total(),
		DownloadDir:    t.DownloadDir,
		IncompleteDir:  t.IncompleteDir,
		Downloaded:     t.Downloaded.Total(),
		Uploaded:       t.Uploaded.Total(),
		MaxPeers:       t.MaxPeers,
		Run:            t.RunState != Stopped,
		AddedDate:      t.AddedDate.Unix(),
		DoneDate:       unixOrZero(t.DoneDate),
		ActivityDate:   unixOrZero(t.ActivityDate),
		Progress:       progress,
		FilePriorities: t.FilePriorities,
		Dnd:            t.Dnd,
		Speedlimit:     t.SpeedLimit,
		Ratiolimit:     t.RatioLimit,
		Idlelimit:      t.IdleLimit,
		Filenames:      t.Filenames,
		Name:           t.Name,
		Labels:         t.Labels,
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
