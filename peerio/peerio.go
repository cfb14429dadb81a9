// Package peerio implements the per-peer bidirectional byte pipe described
// in §4.D: bandwidth-integrated reads and writes, uniform framing, and
// optional RC4 stream encryption, across two transports (TCP and uTP). It is
// grounded on the teacher's connection.go/deadlineio.go/ratelimitreader.go
// (anacrolix/torrent), which likewise wraps a net.Conn with a deadline
// reader and a rate-limited reader/writer; this package generalizes that
// into the explicit read/write-pipe engine spec.md calls for, with its own
// outbound data-type FIFO for payload/overhead accounting instead of the
// teacher's implicit ConnStats counters.
package peerio

import (
	"bytes"
	"crypto/rc4"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"

	"github.com/smoothmiao/transmission/bandwidth"
)

// Transport is which underlying socket kind backs a PeerIo.
type Transport int

const (
	TCP Transport = iota
	UTP
)

// ReadResult is returned by a CanRead callback invocation, per §4.D's
// contract.
type ReadResult int

const (
	ReadNow ReadResult = iota
	ReadLater
	ReadErr
)

// ErrorFlags is the bitmask passed to GotError.
type ErrorFlags uint8

const (
	Reading ErrorFlags = 1 << iota
	Writing
	Eof
	Error
	Timeout
)

// Identity is the peer endpoint this PeerIo speaks for.
type Identity struct {
	Addr     net.IP
	Port     uint16
	InfoHash *[20]byte
	Incoming bool
	Seed     bool
}

// Callbacks is the user callback set invoked from the read/write pumps. None
// of these may block, and GotError/CanRead are never invoked re-entrantly
// for the same PeerIo (§4.D, §5).
type Callbacks struct {
	// CanRead is invoked after bytes are appended to the inbound buffer. It
	// must consume bytes from Inbound (via DiscardInbound) and report how many of
	// the bytes it discarded were piece payload; the remainder is charged as
	// protocol overhead. The loop continues while it returns ReadNow and
	// bytes remain.
	CanRead func(p *PeerIo) (result ReadResult, pieceBytes int)
	// DidWrite is invoked once per outbound segment (or prefix of one) that
	// finishes draining to the transport.
	DidWrite func(p *PeerIo, n int, isPieceData bool)
	// GotError reports a transport failure; what is a bitmask of ErrorFlags.
	GotError func(p *PeerIo, what ErrorFlags)
}

const maxInbound = 256 * 1024

// tcpOverheadFraction models ~94% TCP payload efficiency over Ethernet/IPv4
// with timestamps, per §4.D.
const tcpOverheadFraction = 0.06

// utpOverheadFraction models uTP's framing over UDP: an 8-byte UDP header
// plus a 20-byte uTP packet header in place of TCP's ~20-byte header and
// options, yielding a similar but slightly larger per-packet cost.
const utpOverheadFraction = 0.07

type outSegment struct {
	length      int
	isPieceData bool
}

// PeerIo is the per-peer read/write pipe. The zero value is not usable; use
// New.
type PeerIo struct {
	Identity  Identity
	transport Transport
	conn      net.Conn
	logger    log.Logger

	bw *bandwidth.Node

	mu       sync.Mutex
	inbound  bytes.Buffer
	outbound bytes.Buffer
	outQueue []outSegment

	readEnabled  bool
	writeEnabled bool

	encryptOut *rc4.Cipher
	decryptIn  *rc4.Cipher

	callbacks Callbacks

	refs int32

	closeOnce sync.Once
	closed    chan struct{}

	inCanRead bool
}

// New wraps conn (already connected) as a PeerIo bandwidth-accounted under
// bw. The caller owns the returned value's lifetime via Ref/Unref.
func New(identity Identity, transport Transport, conn net.Conn, bw *bandwidth.Node, cb Callbacks, logger log.Logger) *PeerIo {
	return &PeerIo{
		Identity:     identity,
		transport:    transport,
		conn:         conn,
		bw:           bw,
		callbacks:    cb,
		logger:       logger,
		readEnabled:  true,
		writeEnabled: true,
		refs:         1,
		closed:       make(chan struct{}),
	}
}

// Ref increments the reference count, per §3's PeerIo lifecycle.
func (p *PeerIo) Ref() {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
}

// Unref decrements the reference count; the final release closes the
// transport.
func (p *PeerIo) Unref() {
	p.mu.Lock()
	p.refs--
	last := p.refs <= 0
	p.mu.Unlock()
	if last {
		p.Close()
	}
}

// Close tears down the transport. Safe to call more than once.
func (p *PeerIo) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}

// SetRC4 installs RC4 stream cipher state for each direction, keyed
// externally (the handshake component, out of scope per §4.D). Either key
// may be nil to leave that direction in plaintext. Mirrors the teacher's
// mse.newEncrypt: burn the first 1024 bytes of keystream.
func (p *PeerIo) SetRC4(encryptKey, decryptKey []byte) error {
	burn := func(c *rc4.Cipher) {
		var src, dst [1024]byte
		c.XORKeyStream(dst[:], src[:])
	}
	if encryptKey != nil {
		c, err := rc4.NewCipher(encryptKey)
		if err != nil {
			return err
		}
		burn(c)
		p.mu.Lock()
		p.encryptOut = c
		p.mu.Unlock()
	}
	if decryptKey != nil {
		c, err := rc4.NewCipher(decryptKey)
		if err != nil {
			return err
		}
		burn(c)
		p.mu.Lock()
		p.decryptIn = c
		p.mu.Unlock()
	}
	return nil
}

// SetReadEnabled toggles whether the read pump requests bandwidth and reads
// from the transport.
func (p *PeerIo) SetReadEnabled(enabled bool) {
	p.mu.Lock()
	p.readEnabled = enabled
	p.mu.Unlock()
}

// SetWriteEnabled toggles the write pump similarly.
func (p *PeerIo) SetWriteEnabled(enabled bool) {
	p.mu.Lock()
	p.writeEnabled = enabled
	p.mu.Unlock()
}

// Inbound exposes the inbound byte buffer to a CanRead callback. Callbacks
// must call DiscardInbound for every byte they consume so the engine can
// measure the shrink.
func (p *PeerIo) Inbound() *bytes.Buffer {
	return &p.inbound
}

// DiscardInbound drops n already-consumed bytes from the front of the
// inbound buffer. Callbacks call this as they parse messages out of
// Inbound().
func (p *PeerIo) DiscardInbound(n int) {
	p.inbound.Next(n)
}

// WriteBuf encrypts buf in place (if RC4 output encryption is configured),
// appends it to the outbound buffer, and records its data-type segment on
// the outbound FIFO, per §4.D.
func (p *PeerIo) WriteBuf(buf []byte, isPieceData bool) {
	p.mu.Lock()
	if p.encryptOut != nil {
		p.encryptOut.XORKeyStream(buf, buf)
	}
	p.outbound.Write(buf)
	if n := len(p.outQueue); n > 0 && p.outQueue[n-1].isPieceData == isPieceData {
		p.outQueue[n-1].length += len(buf)
	} else {
		p.outQueue = append(p.outQueue, outSegment{length: len(buf), isPieceData: isPieceData})
	}
	p.mu.Unlock()
}

// pumpRead is one iteration of the read side: it asks the bandwidth node for
// a read allowance, reads up to that many bytes from the transport, decrypts
// them if configured, and then drains CanRead while it reports ReadNow.
// Call this repeatedly from the engine's I/O-ready notifications.
func (p *PeerIo) pumpRead() {
	p.mu.Lock()
	enabled := p.readEnabled
	curLen := p.inbound.Len()
	p.mu.Unlock()
	if !enabled {
		return
	}

	want := maxInbound - curLen
	if want <= 0 {
		return
	}
	if p.bw != nil {
		want = int(p.bw.Clamp(bandwidth.Down, int64(want)))
	}
	if want <= 0 {
		p.SetReadEnabled(false)
		return
	}

	buf := make([]byte, want)
	n, err := p.conn.Read(buf)
	if n > 0 {
		buf = buf[:n]
		p.mu.Lock()
		if p.decryptIn != nil {
			p.decryptIn.XORKeyStream(buf, buf)
		}
		p.inbound.Write(buf)
		p.mu.Unlock()
		p.drainCanRead()
	}
	if err != nil {
		p.reportReadError(err)
	}
}

// drainCanRead repeatedly invokes CanRead while it reports ReadNow and bytes
// remain, splitting each invocation's consumed bytes into piece vs overhead
// per §4.D and charging the bandwidth node accordingly. Re-entrancy is
// prevented by inCanRead, satisfying §5's "at most one can_read in progress".
func (p *PeerIo) drainCanRead() {
	p.mu.Lock()
	if p.inCanRead || p.callbacks.CanRead == nil {
		p.mu.Unlock()
		return
	}
	p.inCanRead = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inCanRead = false
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		before := p.inbound.Len()
		p.mu.Unlock()
		if before == 0 {
			return
		}

		result, pieceBytes := p.callbacks.CanRead(p)

		p.mu.Lock()
		after := p.inbound.Len()
		p.mu.Unlock()
		consumed := before - after
		if consumed < 0 {
			consumed = 0
		}
		if pieceBytes > consumed {
			pieceBytes = consumed
		}
		overhead := consumed - pieceBytes
		if pieceBytes > 0 && p.bw != nil {
			p.bw.Consume(bandwidth.Down, int64(pieceBytes), true)
		}
		if overhead > 0 && p.bw != nil {
			p.bw.Consume(bandwidth.Down, int64(overhead), false)
		}

		if result != ReadNow || consumed == 0 {
			return
		}
	}
}

// pumpWrite is one iteration of the write side: it asks the bandwidth node
// for a write allowance, writes up to that many bytes to the transport, and
// walks the outbound FIFO to invoke DidWrite and charge bandwidth for the
// drained segments plus an overhead estimate.
func (p *PeerIo) pumpWrite() {
	p.mu.Lock()
	enabled := p.writeEnabled
	avail := p.outbound.Len()
	p.mu.Unlock()
	if !enabled || avail == 0 {
		return
	}

	want := avail
	if p.bw != nil {
		want = int(p.bw.Clamp(bandwidth.Up, int64(want)))
	}
	if want <= 0 {
		return
	}

	p.mu.Lock()
	chunk := p.outbound.Next(want)
	p.mu.Unlock()

	n, err := p.conn.Write(chunk)
	if n > 0 {
		p.onDrained(n)
	}
	if n < len(chunk) {
		// Short write: put back what the transport didn't take.
		p.mu.Lock()
		p.outbound.Write(chunk[n:])
		p.mu.Unlock()
	}
	if err != nil {
		p.reportWriteError(err)
	}
}

// onDrained walks the outbound FIFO for n bytes actually written to the
// transport, invoking DidWrite per segment and charging bandwidth including
// a transport-appropriate overhead estimate, per §4.D.
func (p *PeerIo) onDrained(n int) {
	var payload, piece int
	p.mu.Lock()
	remaining := n
	for remaining > 0 && len(p.outQueue) > 0 {
		seg := &p.outQueue[0]
		take := remaining
		if take > seg.length {
			take = seg.length
		}
		seg.length -= take
		remaining -= take
		payload += take
		if seg.isPieceData {
			piece += take
		}
		if seg.length == 0 {
			p.outQueue = p.outQueue[1:]
		}
		if cb := p.callbacks.DidWrite; cb != nil {
			isPieceData := seg.isPieceData
			p.mu.Unlock()
			cb(p, take, isPieceData)
			p.mu.Lock()
		}
	}
	p.mu.Unlock()

	if payload == 0 || p.bw == nil {
		return
	}
	var overhead int64
	switch p.transport {
	case TCP:
		overhead = int64(float64(payload) * tcpOverheadFraction)
	case UTP:
		overhead = int64(float64(payload) * utpOverheadFraction)
	}
	p.bw.Consume(bandwidth.Up, int64(payload), true)
	if overhead > 0 {
		p.bw.Consume(bandwidth.Up, overhead, false)
	}
}

// isTransient reports whether err is one of the retryable conditions that
// must re-arm interest without surfacing via GotError, per §4.D.
func isTransient(err error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	return errIsEAGAIN(err) || errIsEINTR(err) || errIsEINPROGRESS(err)
}

func (p *PeerIo) reportReadError(err error) {
	if isTransient(err) {
		return
	}
	what := Reading
	if err.Error() == "EOF" {
		what |= Eof
	} else {
		what |= Error
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		what |= Timeout
	}
	p.emitError(what)
}

func (p *PeerIo) reportWriteError(err error) {
	if isTransient(err) {
		return
	}
	what := Writing | Error
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		what |= Timeout
	}
	p.emitError(what)
}

// emitError invokes GotError outside of any other callback invocation.
func (p *PeerIo) emitError(what ErrorFlags) {
	p.logger.Levelf(log.Debug, "peerio: %s:%d error flags=%v", p.Identity.Addr, p.Identity.Port, what)
	if cb := p.callbacks.GotError; cb != nil {
		cb(p, what)
	}
}

// Run starts the read and write pumps on the given polling interval. It
// returns when Close is called. This stands in for the reactor-driven
// "socket ready" notifications of a libevent-style engine: each tick asks
// the transport to try a non-blocking read and drains any queued writes.
func (p *PeerIo) Run(tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-p.closed:
			return
		case <-t.C:
			p.pumpWrite()
			p.pumpRead()
		}
	}
}
