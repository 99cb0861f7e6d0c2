// Package router implements the forwarding planner and replica fan-out
// from spec.md §4.4/§4.5: classifying a parsed request, choosing which
// storage/peer connections it should be cloned onto, and handling the
// admin fast paths that never leave the local node.
package router

import (
	"dynofabric/internal/core"
	"dynofabric/internal/protocol"
	"dynofabric/internal/stats"
	"dynofabric/internal/topology"
)

// DynState mirrors the node-state enum consumed (not produced) by the
// core: transitions are managed externally, the planner only reads it.
type DynState int

const (
	Normal DynState = iota
	Standby
	WritesOnly
	Resuming
)

// Resolver is the external peer_pool_conn/is_local collaborator: it maps a
// chosen peer or the local storage backend to the live connection that
// owns its inq. The gossip/membership subsystem that keeps it current is
// out of scope here.
type Resolver interface {
	StorageConn() *core.Connection
	PeerConn(peerID string) (*core.Connection, bool)
}

// Router holds the topology and state the planner consults.
type Router struct {
	Pool     *topology.Pool
	Resolver Resolver
	Counters *stats.Counters
	State    DynState

	// DefaultReadConsistency/DefaultWriteConsistency seed every new client
	// connection's per-connection consistency level. The admin HTTP
	// surface flips these going forward; a CONFIG command on an
	// already-open connection still overrides its own connection only.
	DefaultReadConsistency  core.Consistency
	DefaultWriteConsistency core.Consistency
}

// New builds a Router in the Normal state, defaulting new connections to
// LOCAL_QUORUM on both paths.
func New(pool *topology.Pool, resolver Resolver, counters *stats.Counters) *Router {
	return &Router{
		Pool:                    pool,
		Resolver:                resolver,
		Counters:                counters,
		State:                   Normal,
		DefaultReadConsistency:  core.LocalQuorum,
		DefaultWriteConsistency: core.LocalQuorum,
	}
}

// Forward runs the full planner over msg, which must already be enqueued
// on clientConn's out-queue. It returns a non-nil response when the
// request resolves immediately without leaving the node (admin dispatch,
// an admin-mode delete synthesized locally, a routing failure, or a
// dyn_state drop); nil means msg was fanned out and will resolve later
// through the response coalescer.
func (rt *Router) Forward(clientConn *core.Connection, msg *core.Message) *core.Message {
	if msg.Type == core.OpConsistencyControl {
		return rt.adminDispatch(clientConn, msg)
	}

	if rt.Pool.AdminMode && msg.Type == core.OpDelete {
		rsp, handled := rt.adminModeDelete(msg)
		if handled {
			return rsp
		}
		// Not owned locally: the admin tool is iterating every node
		// directly, so this delete only ever needs to reach this node's
		// own storage — no replica fan-out.
		msg.RspHandler = core.HandlerReadOne
		msg.PendingResponses = 1
		msg.QuorumResponses = 1
		return rt.sendTo(rt.Resolver.StorageConn(), msg)
	}

	routingKey := rt.Pool.RoutingKey(msg.Key)
	clientConn.AddOutstanding(msg)

	if msg.IsRead {
		msg.Consistency = clientConn.ReadConsistency
	} else {
		msg.Consistency = clientConn.WriteConsistency
	}

	switch rt.State {
	case Standby:
		if rt.Counters != nil {
			rt.Counters.RoutingErrors.Add(1)
		}
		return rt.synthError("STANDBY")
	case WritesOnly, Resuming:
		if msg.IsRead {
			if rt.Counters != nil {
				rt.Counters.RoutingErrors.Add(1)
			}
			return rt.synthError("WRITES_ONLY")
		}
	}

	fanout := !msg.IsRead || msg.Consistency == core.LocalQuorum
	if !fanout {
		return rt.forwardSingle(string(routingKey), msg)
	}
	return rt.forwardFanout(string(routingKey), msg)
}

// adminDispatch handles the internal DYNO_CONSISTENCY command: toggles the
// connection's read or write consistency and synthesizes an integer OK,
// without ever touching storage or peers.
func (rt *Router) adminDispatch(clientConn *core.Connection, msg *core.Message) *core.Message {
	target := string(msg.Key)
	switch target {
	case "read":
		clientConn.SetConsistency(true, toggle(clientConn.ReadConsistency))
	case "write":
		clientConn.SetConsistency(false, toggle(clientConn.WriteConsistency))
	default:
		return rt.synthError("EINVAL")
	}
	return rt.synthInteger(1)
}

func toggle(c core.Consistency) core.Consistency {
	if c == core.LocalOne {
		return core.LocalQuorum
	}
	return core.LocalOne
}

// adminModeDelete implements admin_local_req_forward: if the local rack's
// ring picks the local node as owner of this key, synthesize OK; otherwise
// report unhandled so the caller falls through to local storage.
func (rt *Router) adminModeDelete(msg *core.Message) (*core.Message, bool) {
	rack, ok := rt.Pool.LocalRackOf()
	if !ok {
		return nil, false
	}
	owner, ok := rack.Owner(string(rt.Pool.RoutingKey(msg.Key)))
	if ok && rt.Pool.IsLocal(owner) {
		return rt.synthInteger(1), true
	}
	return nil, false
}

// forwardSingle sends msg, unmodified, to the single local-DC local-rack
// peer (or local storage, if that peer is the local node).
func (rt *Router) forwardSingle(key string, msg *core.Message) *core.Message {
	rack, ok := rt.Pool.LocalRackOf()
	if !ok {
		return rt.routingFailure()
	}
	owner, ok := rack.Owner(key)
	if !ok {
		return rt.routingFailure()
	}

	msg.RspHandler = core.HandlerReadOne
	msg.PendingResponses = 1
	msg.QuorumResponses = 1

	if rt.Pool.IsLocal(owner) {
		return rt.sendTo(rt.Resolver.StorageConn(), msg)
	}
	conn, ok := rt.Resolver.PeerConn(owner.ID)
	if !ok {
		return rt.routingFailure()
	}
	return rt.sendTo(conn, msg)
}

// forwardFanout implements step 6's "true" branch: every local-DC rack
// (cloning all but the primary), plus one random rack per remote DC. Only
// the primary and the local-DC clones participate in response coalescing;
// remote-DC replicas are fire-and-forget.
func (rt *Router) forwardFanout(key string, msg *core.Message) *core.Message {
	localDC, ok := rt.Pool.Local()
	if !ok || len(localDC.Racks) == 0 {
		return rt.routingFailure()
	}

	quorum := len(localDC.Racks)/2 + 1
	msg.PendingResponses = len(localDC.Racks)
	msg.QuorumResponses = quorum
	if msg.IsRead {
		msg.RspHandler = core.HandlerReadQuorum
	} else {
		msg.RspHandler = core.HandlerWriteQuorum
		if msg.Consistency == core.LocalOne {
			msg.QuorumResponses = 1
		}
	}

	anchor := core.AnchorIndex(msg)
	primaryAssigned := false

	for _, rack := range localDC.Racks {
		owner, ok := rack.Owner(key)
		if !ok {
			continue
		}
		conn := rt.connFor(owner)
		if conn == nil {
			continue
		}

		if !primaryAssigned {
			primaryAssigned = true
			rt.enqueue(conn, msg)
			continue
		}

		clone := core.Clone(msg, anchor, conn)
		if clone == nil {
			continue // resource exhaustion: skip this replica, continue fan-out
		}
		clone.Swallow = true
		clone.FanoutOrigin = msg
		msg.Clones = append(msg.Clones, clone)
		rt.enqueue(conn, clone)
	}

	if !primaryAssigned {
		return rt.routingFailure()
	}

	for _, dc := range rt.Pool.Remote() {
		rack, ok := rt.Pool.RandomRack(dc)
		if !ok {
			continue
		}
		owner, ok := rack.Owner(key)
		if !ok {
			continue
		}
		conn := rt.connFor(owner)
		if conn == nil {
			continue
		}
		clone := core.Clone(msg, anchor, conn)
		if clone == nil {
			continue
		}
		clone.Swallow = true
		clone.FireAndForget = true // never reaches the coalescer
		rt.enqueue(conn, clone)
	}

	return nil
}

func (rt *Router) connFor(peer topology.Peer) *core.Connection {
	if rt.Pool.IsLocal(peer) {
		return rt.Resolver.StorageConn()
	}
	conn, ok := rt.Resolver.PeerConn(peer.ID)
	if !ok {
		return nil
	}
	return conn
}

// sendTo enqueues msg onto conn's inq and returns nil (the response will
// arrive asynchronously through the coalescer).
func (rt *Router) sendTo(conn *core.Connection, msg *core.Message) *core.Message {
	if conn == nil {
		return rt.routingFailure()
	}
	rt.enqueue(conn, msg)
	return nil
}

// enqueue hands msg to conn for writing and, simultaneously, tracks it on
// conn's out-queue awaiting a response — a peer/storage connection's omsgQ
// is consumed strictly FIFO when a response byte stream is matched back to
// the request that produced it (no per-request id correlation needed,
// since a connection never pipelines out of order).
func (rt *Router) enqueue(conn *core.Connection, msg *core.Message) {
	conn.EnqueueInq(msg)
	conn.EnqueueOutq(msg)
}

func (rt *Router) routingFailure() *core.Message {
	if rt.Counters != nil {
		rt.Counters.RoutingErrors.Add(1)
	}
	return rt.synthError("no peer available")
}

func (rt *Router) synthInteger(n int64) *core.Message {
	rsp := core.New(nil, false)
	rsp.Payload = [][]byte{protocol.WriteInteger(n)}
	rsp.MLen = len(rsp.Payload[0])
	return rsp
}

func (rt *Router) synthError(text string) *core.Message {
	rsp := core.New(nil, false)
	rsp.Error = true
	rsp.Payload = [][]byte{protocol.WriteError(text)}
	rsp.MLen = len(rsp.Payload[0])
	return rsp
}
