package session

import (
	"context"
	"math/rand"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/smoothmiao/transmission/bandwidth"
	"github.com/smoothmiao/transmission/blocklist"
	"github.com/smoothmiao/transmission/natpmp"
	"github.com/smoothmiao/transmission/peerio"
	"github.com/smoothmiao/transmission/resume"
	"github.com/smoothmiao/transmission/rpc"
	"github.com/smoothmiao/transmission/tracker"
)

// Session is the top-level owner described in §4.J: torrents, bandwidth,
// the announcer, the NAT-PMP port mapper, the RPC server, and the timers
// that drive them all. Like the teacher's Client, one goroutine (run)
// serializes every state transition; Session.mu only ever guards the brief
// registry map mutations, never a Torrent's own fields.
type Session struct {
	cfg    Config
	logger log.Logger

	mu  sync.Mutex
	reg *registry

	PeerID [20]byte

	Bandwidth *bandwidth.Node
	Turtle    bandwidth.Turtle

	Announcer *tracker.Announcer
	NatPmp    *natpmp.Driver
	Blocklist *blocklist.List

	// PeerDialer, when set via WithPeerDialer, is used to connect outbound to
	// peers an announce response reports. Left nil by New: a deployment
	// wires one once it has bound the listen ports.
	PeerDialer *peerio.Dialer

	rpcServer     *rpc.Server
	rpcDispatcher *rpc.Dispatcher

	closing  bool
	closedCh chan struct{}
	cancel   context.CancelFunc
}

// New assembles a Session from cfg (already merged from defaults, settings
// file, and caller overrides by the caller), per §4.J. It does not start the
// timers or the RPC listener; call Run for that.
func New(cfg Config, transport func(url string) tracker.Transport) *Session {
	logger := cfg.Logger
	if logger.IsZero() {
		logger = log.Default
	}
	logger = logger.WithContextValue("session")

	s := &Session{
		cfg:       cfg,
		logger:    logger,
		reg:       newRegistry(),
		Bandwidth: bandwidth.NewRoot(),
		Turtle:    cfg.Turtle,
		Announcer: tracker.New(transport),
		closedCh:  make(chan struct{}),
	}

	s.PeerID = GeneratePeerID("4000")
	if cfg.PeerPortRandomOnStart {
		s.cfg.PeerPort = randomPort(cfg.PeerPortRandomLow, cfg.PeerPortRandomHigh)
	}

	s.Bandwidth.SetLimit(bandwidth.Up, effectiveLimit(cfg.SpeedLimitUpEnabled, cfg.SpeedLimitUpBps))
	s.Bandwidth.SetLimit(bandwidth.Down, effectiveLimit(cfg.SpeedLimitDownEnabled, cfg.SpeedLimitDownBps))

	s.rpcDispatcher = rpc.NewDispatcher()
	s.installRPCMethods()

	if cfg.RPC.Enabled {
		s.rpcServer = rpc.New(rpc.Config{
			BindAddress:             cfg.RPC.BindAddress,
			Port:                    cfg.RPC.Port,
			URLPrefix:               cfg.RPC.URLPrefix,
			Username:                cfg.RPC.Username,
			Password:                cfg.RPC.Password,
			WhitelistEnabled:        len(cfg.RPC.Whitelist) > 0,
			Whitelist:               cfg.RPC.Whitelist,
			HostWhitelistEnabled:    len(cfg.RPC.HostWhitelist) > 0,
			HostWhitelist:           cfg.RPC.HostWhitelist,
			AntiBruteForce:          true,
			LoginAttemptsThreshold:  100,
			LoginAttemptsResetAfter: 10 * time.Minute,
		}, s.rpcDispatcher, logger)
	}

	// natpmp.Client is the wire-level RFC 6886 socket operations; this
	// default factory has no gateway to dial and always fails discovery,
	// leaving the driver parked in its Err state. A deployment wires a real
	// Client (default-gateway UDP socket) via WithNatPmpClient.
	s.NatPmp = natpmp.New(logger, func() (natpmp.Client, error) {
		return nil, errNatPmpUnavailable
	})

	return s
}

// WithNatPmpClient replaces the session's NAT-PMP client factory, for a
// caller that has resolved the default gateway and wants real port mapping
// instead of the always-failing default.
func (s *Session) WithNatPmpClient(newClient func() (natpmp.Client, error)) {
	s.NatPmp = natpmp.New(s.logger, newClient)
}

// WithPeerDialer installs d as the session's outbound peer connector.
// Without one, announced peers are recorded by the tracker but never dialed
// (component D stays idle), matching a caller that hasn't bound its peer
// ports yet.
func (s *Session) WithPeerDialer(d *peerio.Dialer) {
	s.PeerDialer = d
}

// NewWithDefaultTransport is the production entry point: it wires
// tracker.DefaultDispatch (HTTP(S) trackers via tracker.HTTPTransport; UDP
// trackers are a disclosed gap, see DESIGN.md) instead of requiring every
// caller to pass its own transport selector.
func NewWithDefaultTransport(cfg Config) *Session {
	return New(cfg, tracker.DefaultDispatch)
}

func effectiveLimit(enabled bool, bps int64) int64 {
	if !enabled {
		return 0
	}
	return bps
}

func randomPort(low, high int) int {
	if high <= low {
		return low
	}
	return low + rand.Intn(high-low+1)
}

// AddTorrent registers t, wires its Bandwidth node as a child of the
// session root, and registers its announcer with the session's Announcer;
// it does not queue a Started event or set an announce time on any tier. The
// announcer's PublishPeers/PublishPeers6 callbacks are wired to drive
// component D (peerio): every announce response that reports peers queues
// an outbound dial for each one not already connected.
func (s *Session) AddTorrent(t *Torrent) {
	if t.Peers == nil {
		t.Peers = peerio.NewSwarm()
	}

	s.mu.Lock()
	t.Bandwidth = s.Bandwidth.NewChild()
	s.reg.add(t)
	s.mu.Unlock()

	if t.Announcer != nil {
		panicif.NotEq(t.Announcer.InfoHash, t.InfoHash)
		s.wirePeerPublishCallbacks(t)
		s.Announcer.AddTorrent(t.Announcer)
	}
}

// wirePeerPublishCallbacks installs PublishPeers/PublishPeers6 on t's
// announcer, preserving whatever the caller already set for the other
// Callbacks fields.
func (s *Session) wirePeerPublishCallbacks(t *Torrent) {
	prevPeers := t.Announcer.Callbacks.PublishPeers
	t.Announcer.Callbacks.PublishPeers = func(tierIdx int, peers []tracker.Peer) {
		if prevPeers != nil {
			prevPeers(tierIdx, peers)
		}
		s.connectAnnouncedPeers(t, peers)
	}
	prevPeers6 := t.Announcer.Callbacks.PublishPeers6
	t.Announcer.Callbacks.PublishPeers6 = func(tierIdx int, peers []tracker.Peer) {
		if prevPeers6 != nil {
			prevPeers6(tierIdx, peers)
		}
		s.connectAnnouncedPeers(t, peers)
	}
}

// connectAnnouncedPeers dials out to every peer in peers that t.Peers
// doesn't already hold a connection to, up to t.MaxPeers, per §4.D. Without
// a PeerDialer configured (WithPeerDialer), announced peers are recorded by
// the tracker but never dialed; this keeps Session usable headless (as in
// tests) without a bound socket.
func (s *Session) connectAnnouncedPeers(t *Torrent, peers []tracker.Peer) {
	if s.PeerDialer == nil {
		return
	}
	for _, peer := range peers {
		if t.MaxPeers > 0 && int32(t.Peers.Len()) >= t.MaxPeers {
			return
		}
		addr := net.JoinHostPort(peer.IP.String(), strconv.Itoa(peer.Port))
		if t.Peers.Has(addr) {
			continue
		}
		go s.dialPeer(t, addr)
	}
}

// dialPeer performs the actual connect off the event goroutine (DNS +
// TCP/uTP handshake may block), then registers the resulting PeerIo into
// t.Peers. A failed dial is logged and dropped; the next announce round's
// peer list will retry it if the tracker still reports it.
func (s *Session) dialPeer(t *Torrent, addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := s.PeerDialer.Dial(ctx, peerio.TCP, addr)
	if err != nil {
		s.logger.Levelf(log.Debug, "session: dial %s failed: %v", addr, err)
		return
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		conn.Close()
		return
	}
	port, _ := strconv.Atoi(portStr)
	identity := peerio.Identity{
		Addr:     net.ParseIP(host),
		Port:     uint16(port),
		InfoHash: &t.InfoHash,
	}
	p := peerio.New(identity, peerio.TCP, conn, t.Bandwidth, peerio.Callbacks{}, s.logger)
	t.Peers.Add(p)
}

// RemoveTorrent queues stop announces, closes every live peer connection,
// and drops t from the registry, per §4.J/§3's destroy-time contract.
func (s *Session) RemoveTorrent(t *Torrent) {
	if t.Announcer != nil {
		s.Announcer.RemoveTorrent(t.InfoHash, t.totalActivity())
	}
	if t.Peers != nil {
		t.Peers.CloseAll()
	}
	s.mu.Lock()
	s.reg.remove(t)
	s.mu.Unlock()
}

// Torrent looks up a registered torrent by id.
func (s *Session) Torrent(id int) (*Torrent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.byTorrentID(id)
}

// TorrentByInfoHash looks up a registered torrent by info hash.
func (s *Session) TorrentByInfoHash(h [20]byte) (*Torrent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.byInfoHash(h)
}

// Torrents returns every registered torrent, in registration order.
func (s *Session) Torrents() []*Torrent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.all()
}

// Run starts the three timers named in §2's Control flow (500ms announcer
// upkeep, 1s bandwidth/turtle/NAT-PMP tick, 360s resume flush) and, if
// configured, the RPC listener. It blocks until ctx is cancelled or Close is
// called, then performs the ordered shutdown of §4.J.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.rpcServer != nil {
		go func() {
			if err := s.rpcServer.ListenAndServe(ctx); err != nil {
				s.logger.Levelf(log.Warning, "session: rpc server stopped: %v", err)
			}
		}()
	}

	upkeep := time.NewTicker(s.intervalOr(s.cfg.UpkeepInterval, 500*time.Millisecond))
	tick := time.NewTicker(s.intervalOr(s.cfg.TickInterval, time.Second))
	flush := time.NewTicker(s.intervalOr(s.cfg.ResumeFlushInterval, 360*time.Second))
	defer upkeep.Stop()
	defer tick.Stop()
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case now := <-upkeep.C:
			s.Announcer.Upkeep(now)
		case now := <-tick.C:
			s.onTick(now)
		case <-flush.C:
			s.flushDirtyResumeFiles()
		}
	}
}

func (s *Session) intervalOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// onTick is the 1-second timer body: bandwidth refill, turtle-mode clock and
// limits, NAT-PMP pulse. It does not update any per-torrent counters.
func (s *Session) onTick(now time.Time) {
	s.Bandwidth.Refill(now)
	s.Turtle.Tick(now)
	up, down := s.Turtle.EffectiveLimits(s.cfg.SpeedLimitUpBps, s.cfg.SpeedLimitDownBps)
	s.Bandwidth.SetLimit(bandwidth.Up, effectiveLimit(s.cfg.SpeedLimitUpEnabled || s.Turtle.Enabled, up))
	s.Bandwidth.SetLimit(bandwidth.Down, effectiveLimit(s.cfg.SpeedLimitDownEnabled || s.Turtle.Enabled, down))

	if s.NatPmp != nil {
		s.NatPmp.Pulse(now, s.cfg.PeerPort, s.cfg.NatPmpEnabled)
	}
}

// flushDirtyResumeFiles saves every torrent with a nonzero dirty field mask,
// per §4.H/§5's "writing is done on the event thread" contract.
func (s *Session) flushDirtyResumeFiles() {
	for _, t := range s.Torrents() {
		if t.dirty == 0 {
			continue
		}
		path := resume.Path(s.cfg.ConfigDir, t.Name, t.InfoHash)
		state := t.ResumeState(resume.Progress{})
		if err := resume.Save(path, state); err != nil {
			s.logger.Levelf(log.Warning, "session: resume save %x failed: %v", t.InfoHash[:4], err)
			continue
		}
		t.dirty = 0
	}
}

// CompileBlocklist loads or recompiles the configured blocklist source, per
// §6's blocklists-directory contract.
func (s *Session) CompileBlocklist() error {
	if !s.cfg.BlocklistEnabled {
		return nil
	}
	src := filepath.Join(s.cfg.ConfigDir, "blocklists", "default.txt")
	bin := filepath.Join(s.cfg.ConfigDir, "blocklists", "default.bin")
	list, err := blocklist.CompileIfStale(src, bin)
	if err != nil {
		return err
	}
	s.Blocklist = list
	return nil
}

// Close requests shutdown and blocks until it completes (or the §4.J 20s
// deadline forces it).
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.closedCh
	return nil
}

var errNatPmpUnavailable = &natPmpUnavailableError{}

type natPmpUnavailableError struct{}

func (*natPmpUnavailableError) Error() string {
	return "natpmp: no client factory configured for this session"
}
