package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackingListener(t *testing.T) {
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := newTrackingListener(raw)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	conn := <-accepted
	key := client.LocalAddr().String()
	require.NotNil(t, ln.Lookup(key))
	assert.Equal(t, key, conn.RemoteAddr().String())

	require.NoError(t, conn.Close())
	assert.Nil(t, ln.Lookup(key))
	assert.Error(t, conn.Close())
}
