package peerio

import (
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smoothmiao/transmission/bandwidth"
)

func newTestPair(t *testing.T, cb Callbacks) (*PeerIo, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	root := bandwidth.NewRoot()
	p := New(Identity{}, TCP, a, root.NewChild(), cb, log.Default)
	t.Cleanup(p.Close)
	return p, b
}

func TestWriteBufCoalescesSameType(t *testing.T) {
	p, peer := newTestPair(t, Callbacks{})
	defer peer.Close()

	p.WriteBuf([]byte("hello "), true)
	p.WriteBuf([]byte("world"), true)
	require.Len(t, p.outQueue, 1)
	assert.Equal(t, 11, p.outQueue[0].length)
	assert.True(t, p.outQueue[0].isPieceData)
}

func TestWriteBufSeparatesDifferentTypes(t *testing.T) {
	p, peer := newTestPair(t, Callbacks{})
	defer peer.Close()

	p.WriteBuf([]byte("proto"), false)
	p.WriteBuf([]byte("payload"), true)
	require.Len(t, p.outQueue, 2)
	assert.False(t, p.outQueue[0].isPieceData)
	assert.True(t, p.outQueue[1].isPieceData)
}

func TestPumpWriteInvokesDidWritePerSegment(t *testing.T) {
	var calls []struct {
		n           int
		isPieceData bool
	}
	p, peer := newTestPair(t, Callbacks{
		DidWrite: func(p *PeerIo, n int, isPieceData bool) {
			calls = append(calls, struct {
				n           int
				isPieceData bool
			}{n, isPieceData})
		},
	})
	defer peer.Close()

	p.WriteBuf([]byte("AAAA"), false)
	p.WriteBuf([]byte("BBBBBB"), true)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 10)
		net.Conn(peer).Read(buf)
		close(done)
	}()

	p.pumpWrite()
	<-done

	require.Len(t, calls, 2)
	assert.Equal(t, 4, calls[0].n)
	assert.False(t, calls[0].isPieceData)
	assert.Equal(t, 6, calls[1].n)
	assert.True(t, calls[1].isPieceData)
}

func TestDrainCanReadSplitsPieceAndOverhead(t *testing.T) {
	var invocations int
	p, peer := newTestPair(t, Callbacks{
		CanRead: func(p *PeerIo) (ReadResult, int) {
			invocations++
			n := p.Inbound().Len()
			p.DiscardInbound(n)
			return ReadLater, n - 1 // pretend 1 byte of this read was overhead
		},
	})
	defer peer.Close()

	go func() {
		peer.Write([]byte("abcdef"))
	}()

	deadline := time.Now().Add(time.Second)
	for p.bw != nil && time.Now().Before(deadline) {
		p.pumpRead()
		if invocations > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, 1, invocations)
	assert.Equal(t, 0, p.inbound.Len())
}

func TestRefUnrefClosesOnLastRelease(t *testing.T) {
	p, peer := newTestPair(t, Callbacks{})
	defer peer.Close()

	p.Ref()
	p.Unref()
	select {
	case <-p.closed:
		t.Fatal("closed too early")
	default:
	}
	p.Unref()
	select {
	case <-p.closed:
	default:
		t.Fatal("expected closed after final unref")
	}
}
