// Package storage is the local single-node backend the router forwards
// requests to. It wraps internal/store behind a core.Connection so the
// "storage connection" exercises the same imsgQ/omsgQ invariants as a
// peer connection — the only difference is that there is no socket:
// Backend drains its own in-queue synchronously instead of reading bytes
// off a network reader goroutine, since a local function call has no
// round-trip latency to hide behind a channel.
package storage

import (
	"dynofabric/internal/core"
	"dynofabric/internal/protocol"
	"dynofabric/internal/store"
)

// Result pairs a drained request with the response Backend produced for
// it, mirroring what a peer connection's reader goroutine would hand the
// dispatcher after parsing a reply off the wire.
type Result struct {
	Req *core.Message
	Rsp *core.Message
}

// Backend owns one Store and the Connection the router's planner enqueues
// onto. The Connection's id is fixed at 1; there is exactly one Backend
// per node.
type Backend struct {
	store *store.Store
	conn  *core.Connection
}

// New builds a Backend over an already-opened Store (which already knows
// its own node id, stamped into every VectorClock entry it writes).
func New(st *store.Store) *Backend {
	return &Backend{
		store: st,
		conn:  core.NewConnection(1, core.RoleStorageOutbound),
	}
}

// Conn is the connection the router's Resolver.StorageConn() returns.
func (b *Backend) Conn() *core.Connection { return b.conn }

// KeyCount reports the number of live keys currently held, for the
// control plane's /stats endpoint.
func (b *Backend) KeyCount() int { return b.store.KeyCount() }

// Drain processes every message currently sitting on the storage
// connection's in-queue and returns one Result per request, in FIFO
// order. The caller (engine) is expected to call this after every
// Router.Forward that may have enqueued onto this connection, then feed
// each Result through the same response-matching path used for real peer
// connections (DequeueOutq, link Peer, invoke the coalescer).
func (b *Backend) Drain() []Result {
	var out []Result
	for {
		req := b.conn.ImsgFront()
		if req == nil {
			break
		}
		b.conn.DequeueInq(req)
		out = append(out, Result{Req: req, Rsp: b.apply(req)})
	}
	return out
}

func (b *Backend) apply(req *core.Message) *core.Message {
	rsp := core.New(b.conn, false)
	switch req.Type {
	case core.OpRead:
		v, ok := b.store.Get(string(req.Key))
		var body []byte
		if ok {
			body = protocol.WriteValue([]byte(v.Data), true)
		} else {
			body = protocol.WriteValue(nil, false)
		}
		rsp.Payload = [][]byte{body}

	case core.OpWrite:
		value := ""
		if len(req.Payload) >= 3 {
			value = string(req.Payload[2])
		}
		if _, err := b.store.Put(string(req.Key), value, nil); err != nil {
			rsp.Error = true
			rsp.Payload = [][]byte{protocol.WriteError(err.Error())}
			break
		}
		rsp.Payload = [][]byte{protocol.WriteInteger(1)}

	case core.OpDelete:
		if err := b.store.Delete(string(req.Key)); err != nil {
			rsp.Error = true
			rsp.Payload = [][]byte{protocol.WriteError(err.Error())}
			break
		}
		rsp.Payload = [][]byte{protocol.WriteInteger(1)}

	default:
		rsp.Error = true
		rsp.Payload = [][]byte{protocol.WriteError("unsupported storage operation")}
	}

	for _, p := range rsp.Payload {
		rsp.MLen += len(p)
	}
	return rsp
}

// Snapshot flushes the current in-memory state to disk and truncates the
// WAL, without closing the store — safe to call periodically from a live
// node.
func (b *Backend) Snapshot() error {
	return b.store.Snapshot()
}

// Close flushes a final snapshot and closes the WAL.
func (b *Backend) Close() error {
	if err := b.store.Snapshot(); err != nil {
		return err
	}
	return b.store.Close()
}
