package peerconn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestDialAcceptRoundTripsRequestAndResponse(t *testing.T) {
	ln := listenLoopback(t)

	requests := make(chan RequestEvent, 1)
	closeServer := make(chan string, 1)
	accepted := make(chan *Link, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- Accept(1, nc, requests, closeServer)
	}()

	responses := make(chan ResponseEvent, 1)
	closeClient := make(chan string, 1)
	client, err := Dial(2, "peerA", ln.Addr().String(), nil, responses, closeClient)
	require.NoError(t, err)
	defer client.Close()

	client.Send(42, false, []byte("GET k1\r\n"))

	var server *Link
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}
	defer server.Close()

	select {
	case ev := <-requests:
		require.Equal(t, uint64(42), ev.Header.MsgID)
		require.False(t, ev.Header.IsResponse)
		require.Equal(t, "GET k1\r\n", string(ev.Body))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request")
	}

	server.Send(42, true, []byte("v1\r\n"))

	select {
	case ev := <-responses:
		require.Equal(t, uint64(42), ev.Header.MsgID)
		require.True(t, ev.Header.IsResponse)
		require.Equal(t, "v1\r\n", string(ev.Body))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestEncryptedFrameRoundTrips(t *testing.T) {
	ln := listenLoopback(t)
	key := make([]byte, 32)

	requests := make(chan RequestEvent, 1)
	closeServer := make(chan string, 1)
	accepted := make(chan *Link, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- Accept(1, nc, requests, closeServer)
	}()

	responses := make(chan ResponseEvent, 1)
	closeClient := make(chan string, 1)
	client, err := Dial(2, "peerA", ln.Addr().String(), key, responses, closeClient)
	require.NoError(t, err)
	defer client.Close()

	client.Send(7, false, []byte("SET k2 v2\r\n"))

	var server *Link
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}
	defer server.Close()

	select {
	case ev := <-requests:
		require.True(t, ev.Header.Secured)
		require.Equal(t, "SET k2 v2\r\n", string(ev.Body))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for encrypted request")
	}
}

func TestDialFailsOnUnreachableAddr(t *testing.T) {
	_, err := Dial(1, "ghost", "127.0.0.1:1", nil, nil, nil)
	require.Error(t, err)
}
