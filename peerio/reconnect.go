package peerio

import "net"

// Reconnect closes the current transport and replaces it with a freshly
// dialed one, preserving the bandwidth node, callback set, and the
// previously enabled read/write interest mask, per §4.D. The caller performs
// the actual dial (DNS + connect may block) and passes the resulting conn.
func (p *PeerIo) Reconnect(newConn net.Conn) {
	p.mu.Lock()
	old := p.conn
	p.conn = newConn
	p.mu.Unlock()

	old.Close()
}
