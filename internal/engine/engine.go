// Package engine is the single-threaded dispatcher from spec.md §4.3,
// §4.6, §4.7 and §5: it owns every Connection and Message mutation.
// There are no locks because there is exactly one caller — a real server
// would run Dispatcher's methods on one goroutine fed by channels from
// per-connection reader/writer goroutines that only move bytes (the
// idiomatic-Go rendering of "single-threaded cooperative event loop" as
// an actor owning its state, the shape nsq's channel.go and syncthing's
// protocol.go use for connection/message ownership).
package engine

import (
	"bufio"
	"errors"

	"dynofabric/internal/coalesce"
	"dynofabric/internal/core"
	"dynofabric/internal/protocol"
	"dynofabric/internal/router"
	"dynofabric/internal/stats"
	"dynofabric/internal/storage"
)

// Delivery is a response ready to be written to a client connection's
// socket. The caller writes Rsp.Payload, then calls Dispatcher.Delivered
// once the bytes are flushed, releasing both messages.
type Delivery struct {
	Client *core.Connection
	Req    *core.Message
	Rsp    *core.Message
}

// Dispatcher wires the router, the coalescer, and the local storage
// backend together and resolves responses arriving on any connection
// back to the client request that is waiting for them.
type Dispatcher struct {
	Router   *router.Router
	Storage  *storage.Backend
	Counters *stats.Counters

	peers map[string]*core.Connection

	nextID uint64
}

// New builds a Dispatcher. The Router's Resolver must be this Dispatcher
// (see StorageConn/PeerConn below) so the planner and the engine agree on
// which connection backs which peer.
func New(rt *router.Router, backend *storage.Backend, counters *stats.Counters) *Dispatcher {
	return &Dispatcher{
		Router:   rt,
		Storage:  backend,
		Counters: counters,
		peers:    make(map[string]*core.Connection),
	}
}

// AddPeer registers a live outbound connection to another node, keyed by
// the peer id topology.Peer.ID names.
func (d *Dispatcher) AddPeer(peerID string, conn *core.Connection) {
	d.peers[peerID] = conn
}

// RemovePeer drops a peer connection, e.g. after it closes.
func (d *Dispatcher) RemovePeer(peerID string) {
	delete(d.peers, peerID)
}

// StorageConn and PeerConn implement router.Resolver.
func (d *Dispatcher) StorageConn() *core.Connection { return d.Storage.Conn() }
func (d *Dispatcher) PeerConn(peerID string) (*core.Connection, bool) {
	c, ok := d.peers[peerID]
	return c, ok
}

// Peers returns the live peer-id to connection map so a caller (the node
// runtime) can flush each connection's in-queue to its socket after a
// planner call that may have enqueued onto any number of them.
func (d *Dispatcher) Peers() map[string]*core.Connection {
	return d.peers
}

func (d *Dispatcher) allocID() uint64 {
	d.nextID++
	return d.nextID
}

// Intake implements §4.3: parse one frame off client's reader, apply the
// filter rules, and — if it survives filtering — run it through the
// forwarding planner. It returns a Delivery when the request resolved
// immediately (an admin fast path, an admin-mode delete, or a routing
// failure); otherwise resolution happens later via DrainStorage or
// HandlePeerResponse and Intake returns a nil Delivery with no error.
//
// closeClient is true when the client half-closed (quit, or a read
// error/EOF) and the caller should begin drain-on-close.
func (d *Dispatcher) Intake(client *core.Connection, r *bufio.Reader) (delivery *Delivery, closeClient bool, err error) {
	frame, perr := protocol.Parse(r)
	switch {
	case errors.Is(perr, protocol.ErrEmpty):
		return nil, false, nil
	case errors.Is(perr, protocol.ErrQuit), errors.Is(perr, protocol.ErrParse):
		client.EOF = true
		return nil, true, nil
	case perr != nil:
		client.EOF = true
		return nil, true, perr
	}

	msg := core.New(client, true)
	msg.ID = d.allocID()
	msg.Type = frame.Type
	msg.IsRead = frame.IsRead
	msg.NoReply = frame.NoReply
	msg.Key = frame.Key
	msg.Payload = frame.Payload
	for _, p := range frame.Payload {
		msg.MLen += len(p)
	}

	client.EnqueueOutq(msg)
	rsp := d.Router.Forward(client, msg)
	if rsp == nil {
		return nil, false, nil
	}

	msg.Peer = rsp
	rsp.Peer = msg
	msg.Done = true
	client.DequeueOutq(msg)
	client.RemoveOutstanding(msg.ID)
	return &Delivery{Client: client, Req: msg, Rsp: rsp}, false, nil
}

// IntakePeerRequest parses one already-forwarded request arriving on a
// peer-inbound connection and sends it straight to local storage, skipping
// the forwarding planner entirely: fan-out already happened once, at the
// node that originated the request, so a peer-inbound connection is only
// ever the final hop. Resolution arrives later through DrainStorage,
// producing a Delivery whose Client is peerConn itself.
func (d *Dispatcher) IntakePeerRequest(peerConn *core.Connection, r *bufio.Reader) (closeConn bool, err error) {
	frame, perr := protocol.Parse(r)
	switch {
	case errors.Is(perr, protocol.ErrEmpty):
		return false, nil
	case errors.Is(perr, protocol.ErrQuit), errors.Is(perr, protocol.ErrParse):
		return true, nil
	case perr != nil:
		return true, perr
	}

	msg := core.New(peerConn, true)
	msg.ID = d.allocID()
	msg.Type = frame.Type
	msg.IsRead = frame.IsRead
	msg.NoReply = frame.NoReply
	msg.Key = frame.Key
	msg.Payload = frame.Payload
	for _, p := range frame.Payload {
		msg.MLen += len(p)
	}

	peerConn.EnqueueOutq(msg)
	storageConn := d.StorageConn()
	storageConn.EnqueueInq(msg)
	storageConn.EnqueueOutq(msg)
	return false, nil
}

// DrainStorage processes every request the planner placed on the local
// storage connection's in-queue, synchronously, and resolves each result
// through the same path a real peer response takes. Call this right
// after any Intake whose request may have touched local storage (a
// read-one/write-quorum/read-quorum target can include the local node).
func (d *Dispatcher) DrainStorage() []Delivery {
	var out []Delivery
	for _, res := range d.Storage.Drain() {
		if dl := d.resolve(d.Storage.Conn(), res.Rsp); dl != nil {
			out = append(out, *dl)
		}
	}
	return out
}

// HandlePeerResponse matches rsp against peerConn's out-queue head (FIFO,
// per §5's ordering guarantee) and resolves it through the coalescer. It
// returns a non-nil Delivery once the primary request is fully done.
func (d *Dispatcher) HandlePeerResponse(peerConn *core.Connection, rsp *core.Message) *Delivery {
	return d.resolve(peerConn, rsp)
}

// resolve implements §4.6 steps 1-3 plus the FireAndForget short-circuit
// documented on core.Message.FireAndForget.
func (d *Dispatcher) resolve(conn *core.Connection, rsp *core.Message) *Delivery {
	connReq := conn.OmsgFront()
	if connReq == nil {
		core.Put(rsp)
		return nil
	}
	conn.DequeueOutq(connReq)
	connReq.Done = true

	if connReq.FanoutSpent {
		// The primary this clone was fanned out for already reached quorum
		// and was retired; FanoutOrigin may now point at an unrelated
		// message the pool has since handed out, so this late arrival is
		// dropped without ever following that pointer.
		d.Counters.PeerResponses.Add(1)
		core.Put(rsp)
		core.Put(connReq)
		return nil
	}

	if connReq.FireAndForget {
		d.Counters.PeerResponses.Add(1)
		core.Put(rsp)
		core.Put(connReq)
		return nil
	}

	primary := connReq.FanoutOrigin
	if primary == nil {
		primary = connReq
	}
	d.Counters.PeerResponses.Add(1)
	outcome := coalesce.Apply(primary, rsp, d.Counters)
	if connReq != primary {
		core.Put(connReq)
	}
	if outcome != coalesce.OK {
		return nil
	}
	if primary.Swallow {
		core.Retire(primary)
		return nil
	}

	clientConn := primary.Owner
	if clientConn == nil {
		return nil
	}
	primary.Done = true
	if !clientConn.ReqDone(primary) {
		return nil
	}
	clientConn.DequeueOutq(primary)
	clientConn.RemoveOutstanding(primary.ID)
	return &Delivery{Client: clientConn, Req: primary, Rsp: primary.Peer}
}

// Delivered releases a Delivery's request and response after its bytes
// have been written to the client socket. Retire (rather than a plain Put)
// marks any fan-out clone still awaiting its own response as spent, so a
// late ack doesn't dereference dl.Req after it's back in the pool.
func (d *Dispatcher) Delivered(dl *Delivery) {
	core.Retire(dl.Req)
}

// CloseClient implements §4.7's client-close drain: completed requests
// are released outright; in-flight ones are marked swallow and dequeued
// from the client's out-queue only (their entry on whichever peer/storage
// connection's out-queue they are also linked through, a distinct link
// slot, is untouched and will still be matched when that response
// eventually arrives).
func (d *Dispatcher) CloseClient(client *core.Connection) {
	dropped := int64(0)
	for m := client.OmsgFront(); m != nil; {
		next := client.OmsgNext(m)
		client.DequeueOutq(m)
		if m.Done {
			core.Retire(m)
		} else {
			m.Swallow = true
			dropped++
		}
		m = next
	}
	if dropped > 0 {
		d.Counters.ClientDroppedRequests.Add(dropped)
	}
	client.Done = true
	client.EOF = true
}
