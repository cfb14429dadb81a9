package session

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smoothmiao/transmission/completion"
	"github.com/smoothmiao/transmission/peerio"
	"github.com/smoothmiao/transmission/resume"
	"github.com/smoothmiao/transmission/tracker"
)

type fakeTransport struct{}

func (fakeTransport) Announce(url string, req tracker.AnnounceRequest) (tracker.AnnounceResponse, error) {
	return tracker.AnnounceResponse{}, nil
}

func (fakeTransport) Scrape(url string, req tracker.ScrapeRequest) (tracker.ScrapeResponse, error) {
	return tracker.ScrapeResponse{}, nil
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	cfg := Defaults(t.TempDir())
	cfg.RPC.Enabled = false
	cfg.UpkeepInterval = 10 * time.Millisecond
	cfg.TickInterval = 10 * time.Millisecond
	cfg.ResumeFlushInterval = time.Hour
	return New(cfg, func(string) tracker.Transport { return fakeTransport{} })
}

func newTestTorrent(id byte, name string) *Torrent {
	var ih [20]byte
	ih[0] = id
	return &Torrent{
		InfoHash:   ih,
		Name:       name,
		Completion: completion.New(completion.Layout{NumPieces: 4, PieceLength: 1 << 14, TotalLength: 1 << 16}),
		Announcer:  &tracker.TorrentAnnouncer{InfoHash: ih},
	}
}

func TestGeneratePeerIDChecksumIsZeroModulo36(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := GeneratePeerID("4000")
		assert.Equal(t, byte('-'), id[0])
		assert.Equal(t, byte('-'), id[7])

		sum := 0
		for j := 8; j < 20; j++ {
			sum += indexOf(id[j])
		}
		assert.Equal(t, 0, sum%36)
	}
}

func TestDefaultsThenLoadMissingFileIsNotError(t *testing.T) {
	cfg := Defaults(t.TempDir())
	loaded, err := LoadSettingsFile(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.PeerPort, loaded.PeerPort)
}

func TestSaveLoadSettingsRoundTripPreservesUnknownKeys(t *testing.T) {
	cfg := Defaults(t.TempDir())
	require.NoError(t, SaveSettingsFile(cfg))

	raw, err := readSettingsRaw(cfg.ConfigDir)
	require.NoError(t, err)
	raw["some-future-key"] = json.RawMessage(`"kept"`)
	require.NoError(t, writeSettingsRaw(cfg.ConfigDir, raw))

	loaded, err := LoadSettingsFile(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.PeerPort, loaded.PeerPort)

	require.NoError(t, SaveSettingsFile(loaded))
	raw2, err := readSettingsRaw(cfg.ConfigDir)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"kept"`), raw2["some-future-key"])
}

func readSettingsRaw(configDir string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(settingsPath(configDir))
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	return raw, json.Unmarshal(data, &raw)
}

func writeSettingsRaw(configDir string, raw map[string]json.RawMessage) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(settingsPath(configDir), data, 0o644)
}

func TestRegistryByActivityDescOrdersBiggestFirst(t *testing.T) {
	r := newRegistry()
	small := newTestTorrent(1, "small")
	small.Uploaded.Cur = 10
	big := newTestTorrent(2, "big")
	big.Downloaded.Cur = 1000
	r.add(small)
	r.add(big)

	ordered := r.byActivityDesc()
	require.Len(t, ordered, 2)
	assert.Equal(t, big, ordered[0])
	assert.Equal(t, small, ordered[1])
}

func TestSessionAddRemoveTorrentUpdatesRegistry(t *testing.T) {
	s := newTestSession(t)
	tt := newTestTorrent(7, "alpha")

	s.AddTorrent(tt)
	assert.Equal(t, 1, len(s.Torrents()))
	got, ok := s.TorrentByInfoHash(tt.InfoHash)
	require.True(t, ok)
	assert.Same(t, tt, got)
	assert.NotNil(t, tt.Bandwidth)

	s.RemoveTorrent(tt)
	assert.Equal(t, 0, len(s.Torrents()))
	_, ok = s.TorrentByInfoHash(tt.InfoHash)
	assert.False(t, ok)
}

func TestRunStopsWithinShutdownDeadline(t *testing.T) {
	s := newTestSession(t)
	s.AddTorrent(newTestTorrent(1, "one"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
	assert.Empty(t, s.Torrents())
}

func TestNewWithDefaultTransportWiresHTTPDispatch(t *testing.T) {
	cfg := Defaults(t.TempDir())
	cfg.RPC.Enabled = false
	s := NewWithDefaultTransport(cfg)
	assert.NotNil(t, s.Announcer)
}

func TestRPCSessionGetReportsConfiguredPeerPort(t *testing.T) {
	s := newTestSession(t)
	result, args, err := s.rpcSessionGet(nil)
	require.NoError(t, err)
	assert.Equal(t, "success", result)
	got, ok := args.(sessionGetArguments)
	require.True(t, ok)
	assert.Equal(t, s.cfg.PeerPort, got.PeerPort)
}

func TestAddTorrentFromCtorAppliesMandatoryOverridesWithoutResumeFile(t *testing.T) {
	s := newTestSession(t)
	var ih [20]byte
	ih[0] = 9

	tt, err := s.AddTorrentFromCtor(Ctor{
		InfoHash:        ih,
		Name:            "fresh",
		Layout:          completion.Layout{NumPieces: 2, PieceLength: 1 << 14, TotalLength: 1 << 15},
		Mandatory:       resume.MaxPeers,
		MandatoryValues: &resume.State{MaxPeers: 30},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 30, tt.MaxPeers)
	assert.Equal(t, Stopped, tt.RunState)

	got, ok := s.TorrentByInfoHash(ih)
	require.True(t, ok)
	assert.Same(t, tt, got)
}

func TestAddTorrentFromCtorPrefersResumeFileOverFallback(t *testing.T) {
	s := newTestSession(t)
	var ih [20]byte
	ih[0] = 3

	path := resume.Path(s.cfg.ConfigDir, "saved", ih)
	require.NoError(t, resume.Save(path, &resume.State{MaxPeers: 77, Run: true}))

	tt, err := s.AddTorrentFromCtor(Ctor{
		InfoHash:       ih,
		Name:           "saved",
		Layout:         completion.Layout{NumPieces: 2, PieceLength: 1 << 14, TotalLength: 1 << 15},
		Fallback:       resume.MaxPeers,
		FallbackValues: &resume.State{MaxPeers: 5},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 77, tt.MaxPeers)
	assert.Equal(t, Downloading, tt.RunState)
}

// peerAnnouncingTransport always reports a single peer address on its first
// announce, then no peers on subsequent announces (so the test doesn't
// redial in a loop).
type peerAnnouncingTransport struct {
	addr string
	used bool
}

func (p *peerAnnouncingTransport) Announce(url string, req tracker.AnnounceRequest) (tracker.AnnounceResponse, error) {
	if p.used {
		return tracker.AnnounceResponse{Interval: 3600}, nil
	}
	p.used = true
	host, portStr, _ := net.SplitHostPort(p.addr)
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return tracker.AnnounceResponse{
		Interval: 3600,
		Peers:    []tracker.Peer{{IP: net.ParseIP(host), Port: port}},
	}, nil
}

func (p *peerAnnouncingTransport) Scrape(url string, req tracker.ScrapeRequest) (tracker.ScrapeResponse, error) {
	return tracker.ScrapeResponse{}, nil
}

func TestAnnounceResponsePeersAreDialedIntoTorrentSwarm(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	pt := &peerAnnouncingTransport{addr: ln.Addr().String()}
	cfg := Defaults(t.TempDir())
	cfg.RPC.Enabled = false
	s := New(cfg, func(string) tracker.Transport { return pt })

	dialer, err := peerio.NewDialer(":0")
	require.NoError(t, err)
	defer dialer.Close()
	s.WithPeerDialer(dialer)

	tt := newTestTorrent(5, "peered")
	tier := &tracker.Tier{Trackers: []*tracker.Tracker{{AnnounceURL: "http://tracker.example/announce"}}}
	tier.UseNextTracker()
	tier.QueueEvent(tracker.Started)
	tier.AnnounceAt = time.Now()
	tt.Announcer.Tiers = []*tracker.Tier{tier}
	s.AddTorrent(tt)

	s.Announcer.Upkeep(time.Now())

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker-announced peer was never dialed")
	}

	require.Eventually(t, func() bool {
		return tt.Peers.Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRPCTorrentGetFiltersByID(t *testing.T) {
	s := newTestSession(t)
	a := newTestTorrent(1, "a")
	b := newTestTorrent(2, "b")
	s.AddTorrent(a)
	s.AddTorrent(b)

	args, _ := json.Marshal(torrentGetRequest{IDs: []int{a.ID}})
	result, raw, err := s.rpcTorrentGet(args)
	require.NoError(t, err)
	assert.Equal(t, "success", result)

	body, ok := raw.(map[string]interface{})
	require.True(t, ok)
	infos, ok := body["torrents"].([]torrentGetInfo)
	require.True(t, ok)
	require.Len(t, infos, 1)
	assert.Equal(t, "a", infos[0].Name)
}
