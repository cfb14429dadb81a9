package peerio

import (
	"context"
	"net"

	utp "github.com/anacrolix/utp"
)

// Dialer dials outbound peer connections over TCP or uTP, grounded on the
// teacher's internal/utpx.New (github.com/anacrolix/utp.NewSocket) and
// socket.go's utpSocketSocket.dial: one shared uTP socket, bound once,
// serves every outbound uTP dial the way a single net.Dialer serves every
// outbound TCP dial.
type Dialer struct {
	TCP *net.Dialer

	utpSocket *utp.Socket
}

// NewDialer binds a uTP socket on addr (use ":0" for an ephemeral port,
// matching the peer listen port otherwise) for outbound and inbound uTP
// traffic, alongside a plain TCP dialer.
func NewDialer(addr string) (*Dialer, error) {
	s, err := utp.NewSocket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Dialer{TCP: &net.Dialer{}, utpSocket: s}, nil
}

// Listener exposes the bound uTP socket as a net.Listener, for an engine
// that accepts inbound uTP peer connections the same way it accepts TCP
// ones.
func (d *Dialer) Listener() net.Listener { return d.utpSocket }

// Close releases the uTP socket. The TCP dialer owns no resources to close.
func (d *Dialer) Close() error {
	if d.utpSocket == nil {
		return nil
	}
	return d.utpSocket.Close()
}

// Dial connects to addr over the given Transport, for use with New's conn
// argument.
func (d *Dialer) Dial(ctx context.Context, transport Transport, addr string) (net.Conn, error) {
	if transport == UTP {
		return d.utpSocket.DialContext(ctx, "utp", addr)
	}
	return d.TCP.DialContext(ctx, "tcp", addr)
}
