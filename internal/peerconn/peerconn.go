// Package peerconn drives a real TCP socket underneath one core.Connection,
// translating between peerframe-framed bytes on the wire and the
// Message/Connection objects the engine and router operate on. It is the
// "per-connection reader/writer goroutine that only moves bytes" the
// engine package's doc comment describes: all the decisions (forwarding,
// coalescing, storage application) still happen on the single loop
// goroutine that owns the engine.Dispatcher, reached here only through
// channels.
package peerconn

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"dynofabric/internal/core"
	"dynofabric/internal/peerframe"
)

// Link pairs a core.Connection with the raw socket and the channel its
// writer goroutine drains. Outbound is true for connections this node
// dialed out to a peer; false for connections accepted from a peer's
// dial to this node.
type Link struct {
	PeerID   string
	Conn     *core.Connection
	net      net.Conn
	key      []byte
	outbound bool

	writeCh chan wireOut
	closeCh chan struct{}
}

// wireOut is one frame queued for the writer goroutine. It carries only
// what framing needs, so Send never has to mutate the Message it was
// given — that Message may still be live on a queue elsewhere.
type wireOut struct {
	id         uint64
	isResponse bool
	body       []byte
}

// RequestEvent is handed to the loop goroutine when a framed request
// arrives on an inbound link.
type RequestEvent struct {
	Link   *Link
	Header peerframe.Header
	Body   []byte
}

// ResponseEvent is handed to the loop goroutine when a framed response
// arrives on an outbound link.
type ResponseEvent struct {
	Link   *Link
	Header peerframe.Header
	Body   []byte
}

// Dial opens an outbound connection to a peer and starts its reader and
// writer goroutines. Responses read back off the socket are delivered to
// responses. On a read error the reader reports PeerID on closeCh and
// exits; the writer goroutine and the socket stay up until Close is called.
func Dial(id uint64, peerID, addr string, key []byte, responses chan<- ResponseEvent, closeCh chan<- string) (*Link, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peerconn: dial %s: %w", addr, err)
	}
	l := &Link{
		PeerID:   peerID,
		Conn:     core.NewConnection(id, core.RolePeerOutbound),
		net:      nc,
		key:      key,
		outbound: true,
		writeCh:  make(chan wireOut, 256),
		closeCh:  make(chan struct{}),
	}
	go l.writeLoop()
	go l.readResponseLoop(responses, closeCh)
	return l, nil
}

// Accept wraps an already-accepted inbound socket (from cmd/dynode's peer
// listener) in a Link and starts its reader and writer goroutines.
// Requests parsed off the wire are delivered to requests.
func Accept(id uint64, nc net.Conn, requests chan<- RequestEvent, closeCh chan<- string) *Link {
	l := &Link{
		Conn:     core.NewConnection(id, core.RolePeerInbound),
		net:      nc,
		outbound: false,
		writeCh:  make(chan wireOut, 256),
		closeCh:  make(chan struct{}),
	}
	go l.writeLoop()
	go l.readRequestLoop(requests, closeCh)
	return l
}

// Send queues id/isResponse/body for the writer goroutine to frame and
// flush. The loop goroutine calls this after dequeuing the corresponding
// Message from Conn's in-queue — it never touches the socket directly,
// and the Message itself is never mutated (it may still be live on
// Conn's out-queue awaiting a response).
func (l *Link) Send(id uint64, isResponse bool, body []byte) {
	select {
	case l.writeCh <- wireOut{id: id, isResponse: isResponse, body: body}:
	case <-l.closeCh:
	}
}

// Close stops the link's goroutines and closes the socket.
func (l *Link) Close() {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	l.net.Close()
}

func (l *Link) writeLoop() {
	for {
		select {
		case out := <-l.writeCh:
			header, encBody, err := peerframe.Write(out.id, out.isResponse, out.body, l.key)
			if err != nil {
				return
			}
			if _, err := l.net.Write(header); err != nil {
				return
			}
			if _, err := l.net.Write(encBody); err != nil {
				return
			}
		case <-l.closeCh:
			return
		}
	}
}

func (l *Link) readRequestLoop(requests chan<- RequestEvent, closeCh chan<- string) {
	defer l.signalClosed(closeCh)
	r := bufio.NewReader(l.net)
	for {
		hdr, body, err := readFrame(r, l.key)
		if err != nil {
			return
		}
		select {
		case requests <- RequestEvent{Link: l, Header: hdr, Body: body}:
		case <-l.closeCh:
			return
		}
	}
}

func (l *Link) readResponseLoop(responses chan<- ResponseEvent, closeCh chan<- string) {
	defer l.signalClosed(closeCh)
	r := bufio.NewReader(l.net)
	for {
		hdr, body, err := readFrame(r, l.key)
		if err != nil {
			return
		}
		select {
		case responses <- ResponseEvent{Link: l, Header: hdr, Body: body}:
		case <-l.closeCh:
			return
		}
	}
}

func (l *Link) signalClosed(closeCh chan<- string) {
	select {
	case closeCh <- l.PeerID:
	default:
	}
}

func readFrame(r *bufio.Reader, key []byte) (peerframe.Header, []byte, error) {
	buf := make([]byte, peerframe.HeaderLen())
	if _, err := io.ReadFull(r, buf); err != nil {
		return peerframe.Header{}, nil, err
	}
	hdr, err := peerframe.ReadHeader(buf)
	if err != nil {
		return peerframe.Header{}, nil, err
	}
	enc := make([]byte, hdr.PayloadLen)
	if _, err := io.ReadFull(r, enc); err != nil {
		return peerframe.Header{}, nil, err
	}
	body, err := peerframe.Decrypt(hdr, enc, key)
	if err != nil {
		return peerframe.Header{}, nil, err
	}
	return hdr, body, nil
}
