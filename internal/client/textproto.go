package client

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

// TextClient speaks the node's client-facing text protocol directly
// (GET/SET/DEL/CONFIG/QUIT) over one TCP connection — the data-plane
// counterpart to Client, which only ever talks to the control plane over
// HTTP. Key reads and writes never go through HTTP: spec.md's wire
// protocol is a plain request/response text line, so the CLI dials it the
// same way any other client would.
type TextClient struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = fmt.Errorf("key not found")

// DialText opens a TCP connection to a node's client port.
func DialText(addr string, timeout time.Duration) (*TextClient, error) {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &TextClient{conn: conn, r: bufio.NewReader(conn), timeout: timeout}, nil
}

// Close sends QUIT and closes the underlying connection.
func (c *TextClient) Close() error {
	_, _ = c.conn.Write([]byte("QUIT\r\n"))
	return c.conn.Close()
}

func (c *TextClient) roundTrip(line string) (string, error) {
	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write([]byte(line)); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	resp, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return strings.TrimRight(resp, "\r\n"), nil
}

// Get retrieves value for key, returning ErrNotFound if it has none.
func (c *TextClient) Get(key string) (string, error) {
	resp, err := c.roundTrip(fmt.Sprintf("GET %s\r\n", key))
	if err != nil {
		return "", err
	}
	if resp == "NOT_FOUND" {
		return "", ErrNotFound
	}
	if strings.HasPrefix(resp, "ERROR ") {
		return "", fmt.Errorf("%s", strings.TrimPrefix(resp, "ERROR "))
	}
	return resp, nil
}

// Set stores key=value.
func (c *TextClient) Set(key, value string) error {
	resp, err := c.roundTrip(fmt.Sprintf("SET %s %s\r\n", key, value))
	if err != nil {
		return err
	}
	if strings.HasPrefix(resp, "ERROR ") {
		return fmt.Errorf("%s", strings.TrimPrefix(resp, "ERROR "))
	}
	return nil
}

// Delete removes key.
func (c *TextClient) Delete(key string) error {
	resp, err := c.roundTrip(fmt.Sprintf("DEL %s\r\n", key))
	if err != nil {
		return err
	}
	if strings.HasPrefix(resp, "ERROR ") {
		return fmt.Errorf("%s", strings.TrimPrefix(resp, "ERROR "))
	}
	return nil
}

// SetConsistency toggles this connection's own read or write consistency
// level (target is "read" or "write"); the node alternates LOCAL_ONE and
// LOCAL_QUORUM each time it is called.
func (c *TextClient) SetConsistency(target string) error {
	resp, err := c.roundTrip(fmt.Sprintf("CONFIG %s\r\n", target))
	if err != nil {
		return err
	}
	if strings.HasPrefix(resp, "ERROR ") {
		return fmt.Errorf("%s", strings.TrimPrefix(resp, "ERROR "))
	}
	return nil
}
