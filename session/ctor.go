package session

import (
	"time"

	"github.com/anacrolix/log"

	"github.com/smoothmiao/transmission/completion"
	"github.com/smoothmiao/transmission/resume"
	"github.com/smoothmiao/transmission/tracker"
)

// Ctor is the torrent constructor named in §3: "Torrent created from a Ctor
// (metainfo + optional overrides)". MetaInfo parsing itself is out of scope
// (§1 Non-goals), so a Ctor takes the already-parsed piece layout and
// announce tiers plus the caller's mandatory and fallback override sets;
// AddTorrentFromCtor resolves them against any on-disk resume file per
// §4.H's load ordering.
type Ctor struct {
	InfoHash [20]byte
	Name     string
	Layout   completion.Layout
	Tiers    []*tracker.Tier

	// Mandatory fields always override whatever a resume file says.
	Mandatory       resume.Fields
	MandatoryValues *resume.State

	// Fallback fields apply only when no resume file was loaded; when one
	// was, every group not named in Mandatory takes the file's value.
	Fallback       resume.Fields
	FallbackValues *resume.State
}

// AddTorrentFromCtor builds a Torrent from ctor, resolving its starting
// state against <configDir>/resume/<name>.<hash>.resume per the §4.H load
// ordering (mandatory → file → fallback), then registers it via AddTorrent.
// A missing or unreadable resume file is not an error: the torrent starts
// from ctor's overrides alone, per §7's "missing resource is not an error"
// policy.
func (s *Session) AddTorrentFromCtor(ctor Ctor) (*Torrent, error) {
	numBlocks := ctor.Layout.NumBlocks()
	path := resume.Path(s.cfg.ConfigDir, ctor.Name, ctor.InfoHash)
	loaded, ok, err := resume.Load(path, ctor.Layout.NumPieces, numBlocks)
	if err != nil {
		s.logger.Levelf(log.Warning, "session: resume load %x failed, starting fresh: %v", ctor.InfoHash[:4], err)
		ok = false
	}

	mandatoryValues := ctor.MandatoryValues
	if mandatoryValues == nil {
		mandatoryValues = &resume.State{}
	}
	fallbackValues := ctor.FallbackValues
	if fallbackValues == nil {
		fallbackValues = &resume.State{}
	}
	merged := resume.ApplyOverrides(&resume.State{}, loaded, ok, ctor.Mandatory, mandatoryValues, ctor.Fallback, fallbackValues)

	t := &Torrent{
		InfoHash:      ctor.InfoHash,
		Name:          ctor.Name,
		Completion:    completion.New(ctor.Layout),
		Announcer:     &tracker.TorrentAnnouncer{InfoHash: ctor.InfoHash, Tiers: ctor.Tiers},
		DownloadDir:   merged.DownloadDir,
		IncompleteDir: merged.IncompleteDir,
		Uploaded:      ByteCounts{Prev: merged.Uploaded},
		Downloaded:    ByteCounts{Prev: merged.Downloaded},
		Corrupt:       ByteCounts{Prev: merged.Corrupt},
		MaxPeers:      merged.MaxPeers,
		SpeedLimit:    merged.Speedlimit,
		RatioLimit:    merged.Ratiolimit,
		IdleLimit:     merged.Idlelimit,
		Labels:        merged.Labels,
		AddedDate:     time.Now(),
	}
	if merged.Run {
		t.RunState = Downloading
	} else {
		t.RunState = Stopped
	}
	if merged.Progress.Pieces != nil {
		t.Completion.SetBlocks(merged.Progress.Blocks)
	}

	s.AddTorrent(t)
	return t, nil
}
