package relay

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEcho listens on 127.0.0.1:<port> and echoes back anything it reads,
// standing in for the real upstream service a Relay forwards to.
func startEcho(t *testing.T) int {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func TestRelayForwardsBytesBothWays(t *testing.T) {
	localPort := startEcho(t)

	r := New("127.0.0.1:0", localPort)
	require.NoError(t, r.Start())
	t.Cleanup(func() { r.Stop() })

	conn, err := net.Dial("tcp4", r.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestStartIsIdempotent(t *testing.T) {
	r := New("127.0.0.1:0", 1)
	require.NoError(t, r.Start())
	defer r.Stop()
	require.NoError(t, r.Start())
}

func TestStopBeforeStartIsSafe(t *testing.T) {
	r := New("127.0.0.1:0", 1)
	assert.NoError(t, r.Stop())
}

func TestStopClosesListener(t *testing.T) {
	r := New("127.0.0.1:0", 1)
	require.NoError(t, r.Start())
	addr := r.listener.Addr().String()

	require.NoError(t, r.Stop())

	_, err := net.Dial("tcp4", addr)
	assert.Error(t, err)
}

func TestDialTimeoutReturnsErrorForClosedPort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := DialTimeout(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}
