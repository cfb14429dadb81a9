// Package natpmp implements the NAT-PMP (RFC 6886) port-mapping state
// machine described in §4.G. It generalizes the teacher's portfwd.go (which
// drives UPnP discovery/AddPortMapping per tick) into the fuller
// discover/map/renew/unmap cycle that spec.md calls for, grounded on
// libtransmission's tr_natpmpPulse state machine for the exact transition
// table and timing constants.
package natpmp

import (
	"time"

	"github.com/anacrolix/log"
)

// State is the internal driver state, mirroring TR_NATPMP_* in the original.
type State int

const (
	Discover State = iota
	RecvPub
	Idle
	SendMap
	RecvMap
	SendUnmap
	RecvUnmap
	Err
)

// Status is the public-facing mapping status returned by Pulse, per §4.G.
type Status int

const (
	Unmapped Status = iota
	Mapping
	Mapped
	Unmapping
	StatusError
)

func (s Status) String() string {
	switch s {
	case Unmapped:
		return "unmapped"
	case Mapping:
		return "mapping"
	case Mapped:
		return "mapped"
	case Unmapping:
		return "unmapping"
	default:
		return "error"
	}
}

// lifetime and commandWait are RFC 6886 defaults, carried over unchanged
// from libtransmission (LifetimeSecs, CommandWaitSecs).
const (
	lifetime    = 3600 * time.Second
	commandWait = 8 * time.Second
)

// Client is the minimal NAT-PMP wire operation set this driver needs. A real
// implementation sends/receives the RFC 6886 UDP messages against the
// default gateway; it is abstracted here so the state machine is testable
// without a network.
type Client interface {
	// SendPublicAddressRequest starts address discovery.
	SendPublicAddressRequest() error
	// ReadPublicAddressResponse returns (addr, true, nil) once the response
	// has arrived, or (_, false, nil) if none is ready yet ("try again").
	ReadPublicAddressResponse() (addr string, ok bool, err error)
	// SendMappingRequest asks for a TCP mapping of privatePort for
	// lifetime seconds (0 lifetime requests removal, per RFC 6886 §3.3).
	SendMappingRequest(privatePort int, lifetime time.Duration) error
	// ReadMappingResponse returns the granted mapping, or (_, false, nil) if
	// none is ready yet.
	ReadMappingResponse() (privatePort, publicPort int, grantedLifetime time.Duration, ok bool, err error)
}

// Driver runs the NAT-PMP state machine across repeated Pulse calls, exactly
// as tr_natpmpPulse is driven once per mainloop tick in the original.
type Driver struct {
	Logger log.Logger

	client    Client
	newClient func() (Client, error)

	state State

	hasDiscovered bool
	isMapped      bool

	privatePort int
	publicPort  int

	commandTime time.Time
	renewTime   time.Time

	publicAddress string
}

// PublicAddress returns the address discovered by the last successful
// RecvPub, or "" if none has been discovered yet. The original only logs
// this; SUPPLEMENTAL FEATURES surfaces it for the RPC session-get response.
func (d *Driver) PublicAddress() string { return d.publicAddress }

// Status reports the current mapping status without advancing the state
// machine, for callers (like an RPC session-get handler) that only want to
// read the last Pulse's outcome.
func (d *Driver) Status() (status Status, publicPort, privatePort int) {
	switch d.state {
	case Idle:
		st := Unmapped
		if d.isMapped {
			st = Mapped
		}
		return st, d.publicPort, d.privatePort
	case Discover:
		return Unmapped, 0, 0
	case RecvPub, SendMap, RecvMap:
		return Mapping, d.publicPort, d.privatePort
	case SendUnmap, RecvUnmap:
		return Unmapping, d.publicPort, d.privatePort
	default:
		return StatusError, d.publicPort, d.privatePort
	}
}

// New returns a Driver in the Discover state, not yet attached to a Client;
// the Client is created lazily on first Pulse with isEnabled true, mirroring
// tr_natpmpInit's lazy initnatpmp call.
func New(logger log.Logger, newClient func() (Client, error)) *Driver {
	return &Driver{Logger: logger, state: Discover, newClient: newClient}
}

func (d *Driver) canSend(now time.Time) bool { return !now.Before(d.commandTime) }
func (d *Driver) setCommandTime(now time.Time) {
	d.commandTime = now.Add(commandWait)
}

// Pulse advances the state machine by one tick and reports the resulting
// public/real-private ports, per §4.G's pulse(private_port, enabled)
// contract.
func (d *Driver) Pulse(now time.Time, privatePort int, enabled bool) (status Status, publicPort, realPrivatePort int) {
	if enabled && d.state == Discover {
		d.discover(now)
	}

	if d.state == RecvPub && d.canSend(now) {
		d.recvPub(now)
	}

	if (d.state == Idle || d.state == Err) && d.isMapped && (!enabled || d.privatePort != privatePort) {
		d.state = SendUnmap
	}

	if d.state == SendUnmap && d.canSend(now) {
		d.sendUnmap(now)
	}

	if d.state == RecvUnmap {
		d.recvUnmap(now)
	}

	if d.state == Idle {
		if enabled && !d.isMapped && d.hasDiscovered {
			d.state = SendMap
		} else if d.isMapped && !now.Before(d.renewTime) {
			d.state = SendMap
		}
	}

	if d.state == SendMap && d.canSend(now) {
		d.sendMap(now, privatePort)
	}

	if d.state == RecvMap {
		d.recvMap(now)
	}

	switch d.state {
	case Idle:
		st := Unmapped
		if d.isMapped {
			st = Mapped
		}
		return st, d.publicPort, d.privatePort
	case Discover:
		return Unmapped, 0, 0
	case RecvPub, SendMap, RecvMap:
		return Mapping, d.publicPort, d.privatePort
	case SendUnmap, RecvUnmap:
		return Unmapping, d.publicPort, d.privatePort
	default:
		return StatusError, d.publicPort, d.privatePort
	}
}

func (d *Driver) logf(msg string) {
	if d.Logger.IsZero() {
		return
	}
	d.Logger.Levelf(log.Debug, "natpmp: %s", msg)
}

func (d *Driver) discover(now time.Time) {
	c, err := d.newClient()
	if err != nil {
		d.logf("initnatpmp failed: " + err.Error())
		d.state = Err
		d.hasDiscovered = true
		d.setCommandTime(now)
		return
	}
	d.client = c
	if err := d.client.SendPublicAddressRequest(); err != nil {
		d.logf("sendpublicaddressrequest failed: " + err.Error())
		d.state = Err
	} else {
		d.state = RecvPub
	}
	d.hasDiscovered = true
	d.setCommandTime(now)
}

func (d *Driver) recvPub(now time.Time) {
	addr, ok, err := d.client.ReadPublicAddressResponse()
	if err != nil {
		d.state = Err
		return
	}
	if !ok {
		return // try again next pulse
	}
	d.logf("found public address " + addr)
	d.publicAddress = addr
	d.state = Idle
}

func (d *Driver) sendUnmap(now time.Time) {
	if err := d.client.SendMappingRequest(d.privatePort, 0); err != nil {
		d.state = Err
	} else {
		d.state = RecvUnmap
	}
	d.setCommandTime(now)
}

func (d *Driver) recvUnmap(now time.Time) {
	priv, _, _, ok, err := d.client.ReadMappingResponse()
	if err != nil {
		d.state = Err
		return
	}
	if !ok {
		return
	}
	if d.privatePort == priv {
		d.privatePort = 0
		d.publicPort = 0
		d.state = Idle
		d.isMapped = false
	}
}

func (d *Driver) sendMap(now time.Time, privatePort int) {
	if err := d.client.SendMappingRequest(privatePort, lifetime); err != nil {
		d.state = Err
	} else {
		d.state = RecvMap
	}
	d.setCommandTime(now)
}

func (d *Driver) recvMap(now time.Time) {
	priv, pub, granted, ok, err := d.client.ReadMappingResponse()
	if err != nil {
		d.state = Err
		return
	}
	if !ok {
		return
	}
	d.state = Idle
	d.isMapped = true
	d.renewTime = now.Add(granted / 2)
	d.privatePort = priv
	d.publicPort = pub
	d.logf("port forwarded successfully")
}
