package peerio

import (
	"net"
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smoothmiao/transmission/bandwidth"
)

func newSwarmTestPeer(t *testing.T, port uint16) (*PeerIo, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	root := bandwidth.NewRoot()
	identity := Identity{Addr: net.ParseIP("127.0.0.1"), Port: port}
	p := New(identity, TCP, a, root.NewChild(), Callbacks{}, log.Default)
	t.Cleanup(func() { b.Close() })
	return p, b
}

func TestSwarmAddHasRemove(t *testing.T) {
	s := NewSwarm()
	p, _ := newSwarmTestPeer(t, 1)
	assert.False(t, s.Has("127.0.0.1:1"))

	s.Add(p)
	assert.True(t, s.Has("127.0.0.1:1"))
	assert.Equal(t, 1, s.Len())

	s.Remove(p)
	assert.False(t, s.Has("127.0.0.1:1"))
	assert.Equal(t, 0, s.Len())
}

func TestSwarmAddReplacesExistingConnectionToSameAddress(t *testing.T) {
	s := NewSwarm()
	p1, _ := newSwarmTestPeer(t, 2)
	p2, _ := newSwarmTestPeer(t, 2)

	s.Add(p1)
	s.Add(p2)
	require.Equal(t, 1, s.Len())

	var found *PeerIo
	s.Each(func(p *PeerIo) { found = p })
	assert.Same(t, p2, found)
}

func TestSwarmCloseAllEmptiesSwarm(t *testing.T) {
	s := NewSwarm()
	p, _ := newSwarmTestPeer(t, 3)
	s.Add(p)

	s.CloseAll()
	assert.Equal(t, 0, s.Len())
}
