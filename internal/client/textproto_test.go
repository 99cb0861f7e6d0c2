package client

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTextServer accepts one connection and replies to each line using
// respond, so TextClient's framing can be exercised without a real node.
func fakeTextServer(t *testing.T, respond func(line string) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "QUIT" {
				return
			}
			conn.Write([]byte(respond(line) + "\r\n"))
		}
	}()
	return ln.Addr().String()
}

func TestTextClientGetFound(t *testing.T) {
	addr := fakeTextServer(t, func(line string) string {
		require.Equal(t, "GET k1", line)
		return "v1"
	})
	c, err := DialText(addr, time.Second)
	require.NoError(t, err)
	defer c.Close()

	v, err := c.Get("k1")
	require.NoError(t, err)
	require.Equal(t, "v1", v)
}

func TestTextClientGetNotFound(t *testing.T) {
	addr := fakeTextServer(t, func(line string) string { return "NOT_FOUND" })
	c, err := DialText(addr, time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTextClientSetAndDelete(t *testing.T) {
	var lines []string
	addr := fakeTextServer(t, func(line string) string {
		lines = append(lines, line)
		return "1"
	})
	c, err := DialText(addr, time.Second)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set("k1", "v1"))
	require.NoError(t, c.Delete("k1"))
	require.Equal(t, []string{"SET k1 v1", "DEL k1"}, lines)
}

func TestTextClientPropagatesServerError(t *testing.T) {
	addr := fakeTextServer(t, func(line string) string { return "ERROR EINVAL" })
	c, err := DialText(addr, time.Second)
	require.NoError(t, err)
	defer c.Close()

	err = c.Set("k1", "v1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "EINVAL")
}
