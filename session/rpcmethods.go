package session

import (
	"encoding/json"

	"github.com/dustin/go-humanize"

	"github.com/smoothmiao/transmission/bandwidth"
	"github.com/smoothmiao/transmission/natpmp"
)

// installRPCMethods registers the handful of read-only JSON-RPC methods the
// session answers directly, per §4.I/§6. Torrent mutation methods
// (torrent-add, torrent-remove, ...) are intentionally left to a caller-
// supplied layer that owns MetaInfo parsing (§1 Non-goals); Session only
// answers what it can from state it already owns.
func (s *Session) installRPCMethods() {
	s.rpcDispatcher.Handle("session-get", s.rpcSessionGet)
	s.rpcDispatcher.Handle("session-stats", s.rpcSessionStats)
	s.rpcDispatcher.Handle("torrent-get", s.rpcTorrentGet)
}

type sessionGetArguments struct {
	Version         string `json:"version"`
	DownloadDir     string `json:"download-dir"`
	PeerPort        int    `json:"peer-port"`
	SpeedLimitUp    int64  `json:"speed-limit-up"`
	SpeedLimitDown  int64  `json:"speed-limit-down"`
	AltSpeedEnabled bool   `json:"alt-speed-enabled"`
	PortForwarded   bool   `json:"port-is-open"`
}

func (s *Session) rpcSessionGet(json.RawMessage) (string, interface{}, error) {
	status, _, _ := s.NatPmp.Status()
	return "success", sessionGetArguments{
		Version:         "transmission-core-session/1.0",
		DownloadDir:     s.cfg.DownloadDir,
		PeerPort:        s.cfg.PeerPort,
		SpeedLimitUp:    s.cfg.SpeedLimitUpBps,
		SpeedLimitDown:  s.cfg.SpeedLimitDownBps,
		AltSpeedEnabled: s.Turtle.Enabled,
		PortForwarded:   status == natpmp.Mapped,
	}, nil
}

type sessionStatsArguments struct {
	TorrentCount  int    `json:"torrentCount"`
	UploadSpeed   string `json:"uploadSpeedFormatted"`
	DownloadSpeed string `json:"downloadSpeedFormatted"`
}

func (s *Session) rpcSessionStats(json.RawMessage) (string, interface{}, error) {
	up := s.Bandwidth.PieceSpeedBps(bandwidth.Up)
	down := s.Bandwidth.PieceSpeedBps(bandwidth.Down)
	return "success", sessionStatsArguments{
		TorrentCount:  len(s.Torrents()),
		UploadSpeed:   humanize.Bytes(uint64(maxInt64(up, 0))) + "/s",
		DownloadSpeed: humanize.Bytes(uint64(maxInt64(down, 0))) + "/s",
	}, nil
}

type torrentGetRequest struct {
	IDs []int `json:"ids"`
}

type torrentGetInfo struct {
	ID           int     `json:"id"`
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	PercentDone  float64 `json:"percentDone"`
	SizeWhenDone int64   `json:"sizeWhenDone"`
}

func (s *Session) rpcTorrentGet(args json.RawMessage) (string, interface{}, error) {
	var req torrentGetRequest
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req); err != nil {
			return "", nil, err
		}
	}

	var infos []torrentGetInfo
	for _, t := range s.Torrents() {
		if len(req.IDs) > 0 && !containsInt(req.IDs, t.ID) {
			continue
		}
		sizeWhenDone := t.Completion.SizeWhenDone()
		percent := 0.0
		if sizeWhenDone > 0 {
			percent = float64(t.Completion.HasTotal()) / float64(sizeWhenDone)
		}
		infos = append(infos, torrentGetInfo{
			ID:           t.ID,
			Name:         t.Name,
			Status:       t.Status().String(),
			PercentDone:  percent,
			SizeWhenDone: sizeWhenDone,
		})
	}
	return "success", map[string]interface{}{"torrents": infos}, nil
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
