// Package tracker implements the announcer described in §4.F: per-torrent
// tier/tracker state machines, the announce/scrape upkeep loop, multi-scrape
// batching, and tracker failure backoff. It is grounded on the teacher's
// tracker package (anacrolix/torrent/tracker), whose AnnounceRequest/Response
// shapes and HTTP/UDP client split this package generalizes into the fuller
// tier state machine spec.md calls for.
package tracker

import (
	"errors"
	"net"
)

// AnnounceEvent is the event reported in an announce request.
type AnnounceEvent int32

const (
	None AnnounceEvent = iota
	Started
	Stopped
	Completed
)

func (e AnnounceEvent) String() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return ""
	}
}

// priority orders events for queue-compaction purposes; higher wins.
func (e AnnounceEvent) priority() int {
	switch e {
	case Stopped:
		return 3
	case Completed:
		return 2
	case Started:
		return 1
	default:
		return 0
	}
}

// Peer is a peer endpoint returned by a tracker.
type Peer struct {
	IP   net.IP
	Port int
}

// AnnounceRequest is the set of fields §4.F requires in an announce request.
type AnnounceRequest struct {
	InfoHash    [20]byte
	PeerID      [20]byte
	Up          int64
	Down        int64
	Corrupt     int64
	Left        int64
	Event       AnnounceEvent
	NumWant     int32
	Port        uint16
	Key         int32
	PartialSeed bool
	TrackerID   string
}

// NumWantDefault applies "0 if stopping, else 80" per §4.F.
func (r *AnnounceRequest) NumWantDefault() int32 {
	if r.Event == Stopped {
		return 0
	}
	return 80
}

// AnnounceResponse is the normalized result of an announce, independent of
// HTTP/UDP wire shape.
type AnnounceResponse struct {
	DidConnect       bool
	DidTimeout       bool
	FailureReason    string
	Interval         int32
	MinInterval      int32
	TrackerID        string
	Seeders          int32
	Leechers         int32
	Peers            []Peer
	Peers6           []Peer
	ScrapeFields      int // how many of {complete, incomplete, downloaded} were present
	HasSeparateScrape bool
}

// ScrapeRequest asks for swarm statistics for a set of torrents.
type ScrapeRequest struct {
	InfoHashes [][20]byte
}

// ScrapeRow is one torrent's swarm counts from a scrape response.
type ScrapeRow struct {
	InfoHash   [20]byte
	Seeders    int32
	Completed  int32
	Leechers   int32
}

// ScrapeResponse is the normalized result of a scrape.
type ScrapeResponse struct {
	Rows   []ScrapeRow
	ErrMsg string
}

var (
	ErrCouldNotConnect    = errors.New("could not connect")
	ErrTrackerDidNotRespond = errors.New("tracker did not respond")
)

// Transport performs the wire-level announce/scrape for one URL scheme.
type Transport interface {
	Announce(url string, req AnnounceRequest) (AnnounceResponse, error)
	Scrape(url string, req ScrapeRequest) (ScrapeResponse, error)
}
