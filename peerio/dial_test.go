package peerio

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialerDialsTCP(t *testing.T) {
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

	d, err := NewDialer(":0")
	require.NoError(t, err)
	defer d.Close()

	conn, err := d.Dial(context.Background(), TCP, ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	peer := <-accepted
	defer peer.Close()
	assert.Equal(t, "tcp", conn.RemoteAddr().Network())
}

func TestDialerExposesUTPSocketAsListener(t *testing.T) {
	d, err := NewDialer(":0")
	require.NoError(t, err)
	defer d.Close()

	assert.NotNil(t, d.Listener())
}
