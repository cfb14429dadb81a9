// Package rpc implements the JSON-RPC control surface described in §4.I: an
// HTTP(S) endpoint with Basic auth, an IP/host whitelist, a CSRF session id,
// static web-asset serving, and gzip-compressed JSON method dispatch. It is
// grounded on the teacher's tracker/http/server package (anacrolix/torrent)
// for the net/http.Handler shape of a protocol server, and on
// jpillora-cloud-torrent's server package (github.com/boypt/simple-torrent,
// a fork of cloud-torrent built on anacrolix/torrent) for the REST/static
// dispatch split and its use of github.com/NYTimes/gziphandler for
// compressed static responses — the same dependency this package wires in
// for its own static asset path.
package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/log"
)

// Config is the server's bind and access-control configuration, per §4.I
// and §6.
type Config struct {
	BindAddress string
	Port        int
	URLPrefix   string // defaults to "/transmission/" if empty, per §6.

	Username string
	Password string // empty disables Basic auth.

	WhitelistEnabled bool
	Whitelist        []string // wildcard patterns against the remote host.

	HostWhitelistEnabled bool
	HostWhitelist        []string // wildcard patterns against the Host header.

	AntiBruteForce          bool
	LoginAttemptsThreshold  int
	LoginAttemptsResetAfter time.Duration // decay window, SPEC_FULL supplement 6.

	WebRoot string // static asset directory for "<prefix>web/*".
}

func (c Config) urlPrefix() string {
	p := c.URLPrefix
	if p == "" {
		p = "/transmission/"
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Server is the RPC HTTP(S) endpoint. The zero value is not usable; use New.
type Server struct {
	cfg    Config
	logger log.Logger

	sessionID string

	dispatch *Dispatcher

	mu            sync.Mutex
	loginAttempts int
	firstAttempt  time.Time
}

// New constructs a Server with a freshly generated CSRF session id.
func New(cfg Config, dispatch *Dispatcher, logger log.Logger) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger.WithContextValue("rpc"),
		sessionID: newSessionID(),
		dispatch:  dispatch,
	}
}

func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// ServeHTTP implements the ordered request pipeline of §4.I.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AntiBruteForce && s.loginAttemptsExceeded() {
		http.Error(w, "403: too many failed login attempts", http.StatusForbidden)
		return
	}

	if s.cfg.WhitelistEnabled && !s.remoteWhitelisted(r) {
		http.Error(w, "403: your address is not whitelisted", http.StatusForbidden)
		return
	}

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Headers", r.Header.Get("Access-Control-Request-Headers"))
		w.WriteHeader(http.StatusOK)
		return
	}

	if s.cfg.Password != "" {
		if !s.checkBasicAuth(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Transmission"`)
			http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
			return
		}
		s.resetLoginAttempts()
	}

	prefix := s.cfg.urlPrefix()
	loc := strings.TrimPrefix(r.URL.Path, prefix)

	// §4.I step 6: with password disabled, a whitelist-enabled server
	// requires the Host header to look like a loopback/direct connection,
	// guarding against DNS rebinding.
	if s.cfg.Password == "" && s.cfg.HostWhitelistEnabled && !s.hostWhitelisted(r) {
		http.Error(w, "421: Misdirected Request (host whitelist)", http.StatusMisdirectedRequest)
		return
	}

	w.Header().Set("X-Transmission-Session-Id", s.sessionID)

	switch {
	case loc == "" || loc == "web":
		http.Redirect(w, r, prefix+"web/", http.StatusMovedPermanently)
	case strings.HasPrefix(loc, "web/"):
		s.serveStatic(w, r, strings.TrimPrefix(loc, "web/"))
	case loc == "rpc":
		s.serveRPC(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get("X-Transmission-Session-Id")
	if got != s.sessionID {
		w.Header().Set("X-Transmission-Session-Id", s.sessionID)
		http.Error(w, csrfBody(s.sessionID), http.StatusConflict)
		return
	}
	s.dispatch.ServeHTTP(w, r)
}

func csrfBody(token string) string {
	return fmt.Sprintf(
		"409: Conflict\nYour request had an invalid session-id header.\nTo fix this, follow these steps:\n"+
			"1. When reading a response, always save the X-Transmission-Session-Id header\n"+
			"2. Add the updated header to your next request.\n\n"+
			"This server requires the header: X-Transmission-Session-Id: %s\n", token)
}

func (s *Server) remoteWhitelisted(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return matchesAny(s.cfg.Whitelist, host)
}

func (s *Server) hostWhitelisted(r *http.Request) bool {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" || host == "localhost." {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return true
	}
	return matchesAny(s.cfg.HostWhitelist, host)
}

func matchesAny(patterns []string, s string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, p := range patterns {
		if ok, _ := path.Match(p, s); ok {
			return true
		}
	}
	return false
}

func (s *Server) loginAttemptsExceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.LoginAttemptsResetAfter > 0 && !s.firstAttempt.IsZero() &&
		time.Since(s.firstAttempt) > s.cfg.LoginAttemptsResetAfter {
		s.loginAttempts = 0
	}
	return s.cfg.LoginAttemptsThreshold > 0 && s.loginAttempts >= s.cfg.LoginAttemptsThreshold
}

func (s *Server) recordFailedLogin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loginAttempts == 0 {
		s.firstAttempt = time.Now()
	}
	s.loginAttempts++
}

func (s *Server) resetLoginAttempts() {
	s.mu.Lock()
	s.loginAttempts = 0
	s.mu.Unlock()
}

func (s *Server) checkBasicAuth(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.cfg.Username || pass != s.cfg.Password {
		s.recordFailedLogin()
		return false
	}
	return true
}

// ListenAndServe binds and serves, retrying with exponential backoff capped
// at 60s for up to 10 attempts if the bind itself fails, per §4.I.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	var lastErr error
	delay := time.Second
	for attempt := 0; attempt < 10; attempt++ {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			srv := &http.Server{Handler: s}
			go func() {
				<-ctx.Done()
				srv.Close()
			}()
			return srv.Serve(ln)
		}
		lastErr = err
		s.logger.Levelf(log.Warning, "rpc: bind %s failed (attempt %d): %v", addr, attempt+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
	}
	return fmt.Errorf("rpc: could not bind %s after 10 attempts: %w", addr, lastErr)
}
