// Package resume persists per-torrent state as a bencoded dictionary, per
// §4.H, so a torrent can restart without re-verifying every piece. It is
// grounded on the teacher's session_persistence.go (anacrolix/torrent),
// which already implements exactly the write-then-rename atomicity and
// read/write-session-file helpers this package generalizes from a small
// tracker-state cache into the fuller per-torrent resume dictionary spec.md
// calls for, and on this module's bencode package (itself grounded on the
// teacher's anacrolix/torrent/bencode) for the on-disk encoding, in place of
// session_persistence.go's encoding/json.
package resume

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/smoothmiao/transmission/bencode"
	"github.com/smoothmiao/transmission/bitfield"
)

// Fields is the bitmask of persisted field groups named in §4.H. A Torrent
// tracks which groups are dirty since the last save; Save always writes the
// full current State — matching the original tr_resume_save's all-fields
// write — but callers use Fields to decide *whether* a save is owed.
type Fields uint32

const (
	Corrupt Fields = 1 << iota
	DownloadDir
	IncompleteDir
	Downloaded
	Uploaded
	MaxPeers
	Run
	AddedDate
	DoneDate
	ActivityDate
	TimeSeeding
	TimeDownloading
	BandwidthPriority
	Peers
	ProgressField
	FilePriorities
	Dnd
	Speedlimit
	Ratiolimit
	Idlelimit
	Filenames
	Name
	Labels

	numFields = iota
)

// All is every field group, e.g. for a from-scratch save.
const All Fields = (1 << numFields) - 1

// SpeedLimit mirrors a torrent's per-direction speed-limit override.
type SpeedLimit struct {
	UpBps       int64 `bencode:"up-speed,omitempty"`
	DownBps     int64 `bencode:"down-speed,omitempty"`
	UpEnabled   bool  `bencode:"up-mode"`
	DownEnabled bool  `bencode:"down-mode"`
}

// RatioLimitMode selects between global, unlimited, and a per-torrent ratio.
type RatioLimitMode int32

const (
	RatioUseGlobal RatioLimitMode = iota
	RatioUnlimited
	RatioLimited
)

// RatioLimit mirrors a torrent's seed-ratio limit override.
type RatioLimit struct {
	Ratio float64        `bencode:"ratio-limit"`
	Mode  RatioLimitMode `bencode:"ratio-mode"`
}

// IdleLimitMode selects between global, unlimited, and a per-torrent idle cap.
type IdleLimitMode int32

const (
	IdleUseGlobal IdleLimitMode = iota
	IdleUnlimited
	IdleLimited
)

// IdleLimit mirrors a torrent's seed-idle limit override.
type IdleLimit struct {
	Minutes int32         `bencode:"idle-limit"`
	Mode    IdleLimitMode `bencode:"idle-mode"`
}

// PeerEntry is one remembered peer endpoint, persisted so a restarted
// session can reconnect without waiting on trackers/DHT.
type PeerEntry struct {
	Addr [4]byte `bencode:"addr"`
	Port uint16  `bencode:"port"`
}

// bitsField holds a bitfield.Bitfield that bencodes as "all", "none", or the
// raw MSB-first bytes, per §4.H's Progress encoding. allowNone controls
// whether this instance may encode as "none" (pieces may; blocks may not).
type bitsField struct {
	bits      *bitfield.Bitfield
	allowNone bool
}

func (f bitsField) MarshalBencode() ([]byte, error) {
	if f.bits == nil {
		if f.allowNone {
			return bencode.Marshal("none")
		}
		return bencode.Marshal("")
	}
	if f.bits.HasAll() {
		return bencode.Marshal("all")
	}
	if f.allowNone && f.bits.HasNone() {
		return bencode.Marshal("none")
	}
	return bencode.Marshal(string(f.bits.Raw()))
}

func (f *bitsField) unmarshalInto(n int, raw []byte) error {
	var s string
	if err := bencode.Unmarshal(raw, &s); err != nil {
		return err
	}
	switch s {
	case "all":
		b := bitfield.New(n)
		b.SetHasAll()
		f.bits = b
	case "none":
		f.bits = bitfield.New(n)
	default:
		b := bitfield.New(n)
		b.SetRaw([]byte(s))
		f.bits = b
	}
	return nil
}

// Progress is the verified-data portion of resume state, per §4.H: which
// pieces/blocks are owned, and the on-disk file mtimes that justified not
// re-verifying them. It implements its own bencode (un)marshaling because
// the wire shape mixes a list, two bitfield-or-sentinel strings, and two
// tolerated legacy shapes (§4.H: "per-file integer/list time_checked, and a
// single bitfield instead of blocks").
type Progress struct {
	NumPieces int
	NumBlocks int

	Mtimes []int64
	Pieces *bitfield.Bitfield
	Blocks *bitfield.Bitfield
}

func (p Progress) MarshalBencode() ([]byte, error) {
	m := map[string]interface{}{
		"mtimes": p.Mtimes,
		"pieces": bitsField{bits: p.Pieces, allowNone: true},
		"blocks": bitsField{bits: p.Blocks, allowNone: false},
	}
	return bencode.Marshal(m)
}

func (p *Progress) UnmarshalBencode(raw []byte) error {
	var m map[string]interface{}
	if err := bencode.Unmarshal(raw, &m); err != nil {
		return err
	}

	if v, ok := m["mtimes"]; ok {
		p.Mtimes = toInt64Slice(v)
	} else if v, ok := m["time_checked"]; ok {
		// Legacy shape: a single int (applies to every file) or a per-file
		// list, tolerated read-only per §4.H.
		switch tv := v.(type) {
		case int64:
			n := 1
			if len(p.Mtimes) > n {
				n = len(p.Mtimes)
			}
			mt := make([]int64, n)
			for i := range mt {
				mt[i] = tv
			}
			p.Mtimes = mt
		case []interface{}:
			p.Mtimes = toInt64Slice(v)
		}
	}

	if v, ok := m["pieces"]; ok {
		raw, err := bencode.Marshal(v)
		if err != nil {
			return err
		}
		var bf bitsField
		if err := bf.unmarshalInto(p.NumPieces, raw); err != nil {
			return err
		}
		p.Pieces = bf.bits
	}

	blocksKey := "blocks"
	if _, ok := m["blocks"]; !ok {
		if _, ok := m["bitfield"]; ok {
			blocksKey = "bitfield" // legacy shape, §4.H.
		}
	}
	if v, ok := m[blocksKey]; ok {
		raw, err := bencode.Marshal(v)
		if err != nil {
			return err
		}
		var bf bitsField
		if err := bf.unmarshalInto(p.NumBlocks, raw); err != nil {
			return err
		}
		p.Blocks = bf.bits
	}
	return nil
}

func toInt64Slice(v interface{}) []int64 {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]int64, len(list))
	for i, item := range list {
		if n, ok := item.(int64); ok {
			out[i] = n
		}
	}
	return out
}

// State is the full persisted torrent state, per §4.H's field list.
type State struct {
	Corrupt           int64       `bencode:"corrupt,omitempty"`
	DownloadDir       string      `bencode:"destination,omitempty"`
	IncompleteDir     string      `bencode:"incomplete-dir,omitempty"`
	Downloaded        int64       `bencode:"downloaded,omitempty"`
	Uploaded          int64       `bencode:"uploaded,omitempty"`
	MaxPeers          int32       `bencode:"max-peers,omitempty"`
	Run               bool        `bencode:"paused"`
	AddedDate         int64       `bencode:"added-date,omitempty"`
	DoneDate          int64       `bencode:"done-date,omitempty"`
	ActivityDate      int64       `bencode:"activity-date,omitempty"`
	TimeSeeding       int64       `bencode:"seeding-time-seconds,omitempty"`
	TimeDownloading   int64       `bencode:"downloading-time-seconds,omitempty"`
	BandwidthPriority int32       `bencode:"bandwidth-priority,omitempty"`
	Peers             []PeerEntry `bencode:"peers2,omitempty"`
	Progress          Progress    `bencode:"progress"`
	FilePriorities    []int8      `bencode:"priority,omitempty"`
	Dnd               []bool      `bencode:"dnd,omitempty"`
	Speedlimit        SpeedLimit  `bencode:"speed-limit"`
	Ratiolimit        RatioLimit  `bencode:"ratio-limit"`
	Idlelimit         IdleLimit   `bencode:"idle-limit"`
	Filenames         []string    `bencode:"files,omitempty"`
	Name              string      `bencode:"name,omitempty"`
	Labels            []string    `bencode:"labels,omitempty"`
}

// VerifyFileMtimes implements §4.H's "verify the disk mtime of each file
// against the stored mtime; files whose mtime changed have their pieces
// cleared from the checked-pieces bitfield (forcing re-verification)."
// fileSpan maps a file index to the inclusive-exclusive piece range it
// overlaps. The stored mtime for any mismatched file is updated to current
// so a subsequent save reflects the new on-disk reality.
func VerifyFileMtimes(prog *Progress, current []int64, fileSpan func(fileIndex int) (begin, end int)) {
	if prog.Pieces == nil {
		return
	}
	for i, stored := range prog.Mtimes {
		if i >= len(current) || current[i] == stored {
			continue
		}
		begin, end := fileSpan(i)
		prog.Pieces.UnsetSpan(begin, end)
		prog.Mtimes[i] = current[i]
	}
}

// Path returns the resume file path for a torrent, per §6: <config>/resume/
// <name>.<8-hex-char info-hash prefix>.resume.
func Path(configDir, name string, infoHash [20]byte) string {
	return filepath.Join(configDir, "resume", fmt.Sprintf("%s.%x.resume", name, infoHash[:4]))
}

// Save bencodes state and writes it to path atomically: write to a ".tmp"
// sibling, then rename over the destination, so a reader always sees either
// the old file or a complete new one, per §4.H/§5's resume-file contract.
func Save(path string, state *State) error {
	data, err := bencode.Marshal(state)
	if err != nil {
		return fmt.Errorf("resume: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("resume: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("resume: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("resume: rename: %w", err)
	}
	return nil
}

// Load reads and decodes a resume file for a torrent with the given piece/
// block counts (needed to size the Progress bitfields). A missing file is
// not an error: it returns ok=false, matching §7's "missing file is not an
// error (fresh torrent)" propagation policy. A parse failure is reported,
// leaving it to the caller to log and fall back to defaults per §7.
func Load(path string, numPieces, numBlocks int) (state *State, ok bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resume: read: %w", err)
	}
	state = &State{Progress: Progress{NumPieces: numPieces, NumBlocks: numBlocks}}
	if err := bencode.Unmarshal(data, state); err != nil {
		return nil, false, fmt.Errorf("resume: unmarshal: %w", err)
	}
	return state, true, nil
}

// ApplyOverrides merges a Ctor's mandatory and fallback overrides with a
// loaded resume file, per §4.H's load ordering: "mandatory overrides (from
// caller constructor) → file values for unset fields → fallback overrides
// (from caller constructor)". For each field group: a group named in
// mandatory always takes the caller's value; otherwise, if fileOk and loaded
// is non-nil, the loaded file's value is used, whether or not the file held
// that group's keys (an absent key yields the zero value); otherwise, if the
// group is named in fallback, the caller's fallback value applies. Fallback
// values are therefore used only when no file was loaded, and a group named
// in neither mask keeps base's value only when no file was loaded.
//
// base is the torrent's starting State (e.g. the zero value for a new
// torrent); it supplies every field not touched by this merge. loaded may be
// nil when fileOk is false.
func ApplyOverrides(base *State, loaded *State, fileOk bool, mandatory Fields, mandatoryValues *State, fallback Fields, fallbackValues *State) *State {
	out := *base

	resolve := func(group Fields, copyFrom func(src *State)) {
		switch {
		case mandatory&group != 0:
			copyFrom(mandatoryValues)
		case fileOk && loaded != nil:
			copyFrom(loaded)
		case fallback&group != 0:
			copyFrom(fallbackValues)
		}
	}

	resolve(MaxPeers, func(src *State) { out.MaxPeers = src.MaxPeers })
	resolve(Run, func(src *State) { out.Run = src.Run })
	resolve(FilePriorities, func(src *State) { out.FilePriorities = src.FilePriorities })
	resolve(Dnd, func(src *State) { out.Dnd = src.Dnd })
	resolve(Speedlimit, func(src *State) { out.Speedlimit = src.Speedlimit })
	resolve(Ratiolimit, func(src *State) { out.Ratiolimit = src.Ratiolimit })
	resolve(Idlelimit, func(src *State) { out.Idlelimit = src.Idlelimit })
	resolve(DownloadDir, func(src *State) { out.DownloadDir = src.DownloadDir })
	resolve(IncompleteDir, func(src *State) { out.IncompleteDir = src.IncompleteDir })
	resolve(Labels, func(src *State) { out.Labels = src.Labels })
	resolve(Name, func(src *State) { out.Name = src.Name })

	// Progress is always taken from the file when present, per §4.H's "Progress
	// must be loaded before FilePriorities" ordering note: there is no
	// mandatory/fallback override concept for piece-verification state itself.
	if fileOk && loaded != nil {
		out.Progress = loaded.Progress
	}

	return &out
}
