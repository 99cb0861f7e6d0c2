// Package coalesce implements the three response handlers named in
// spec.md §4.6: read-one, read-quorum, and write-quorum. Each operates on
// the primary request enqueued on the client's out-queue. The engine calls
// Apply for every response matched to that request (or to one of its
// fan-out clones) and checks req_done only after Apply returns OK, so
// fragment completion does not gate whether a handler runs.
package coalesce

import (
	"log"

	"dynofabric/internal/core"
	"dynofabric/internal/stats"
)

// Outcome mirrors DN_OK / DN_EAGAIN from spec.md §4.6.
type Outcome int

const (
	EAGAIN Outcome = iota
	OK
)

// Apply dispatches rsp to req's configured handler. req is always the
// primary, client-owned request; rsp is the response just matched on
// whichever connection (primary's own, or one of its clones') produced it.
func Apply(req, rsp *core.Message, counters *stats.Counters) Outcome {
	switch req.RspHandler {
	case core.HandlerReadQuorum:
		return readQuorum(req, rsp, counters)
	case core.HandlerWriteQuorum:
		return writeQuorum(req, rsp)
	default: // HandlerReadOne and HandlerNone both resolve on first response
		return readOne(req, rsp)
	}
}

// readOne: first response wins; a second response (the request already
// has a peer) is a logic error in the caller — log and discard rather
// than clobbering the delivered answer.
func readOne(req, rsp *core.Message) Outcome {
	if req.Peer != nil {
		log.Printf("coalesce: request %d already has a response; discarding a later one", req.ID)
		core.Put(rsp)
		return OK
	}
	req.Peer = rsp
	rsp.Peer = req
	return OK
}

// writeQuorum: first response establishes req.peer; later acks are
// discarded. Each arrival decrements QuorumResponses; EAGAIN until it
// reaches zero.
func writeQuorum(req, rsp *core.Message) Outcome {
	if req.Peer == nil {
		req.Peer = rsp
		rsp.Peer = req
	} else {
		core.Put(rsp)
	}
	req.QuorumResponses--
	if req.QuorumResponses > 0 {
		return EAGAIN
	}
	return OK
}

// readQuorum accumulates responses into req.Responses, decrementing
// PendingResponses and QuorumResponses on each arrival. Once
// QuorumResponses reaches zero (majority arrived), it attempts selection;
// before that it always returns EAGAIN regardless of content.
func readQuorum(req, rsp *core.Message, counters *stats.Counters) Outcome {
	if req.Peer != nil {
		// Quorum already resolved on an earlier response (the
		// immediate-select-on-first-pair-match path); later arrivals
		// are released silently rather than stored.
		core.Put(rsp)
		return OK
	}

	received := countResponses(req)
	if received >= core.MaxReplicasPerDC {
		core.Put(rsp)
		return EAGAIN
	}
	req.Responses[received] = rsp
	req.PendingResponses--
	req.QuorumResponses--

	if req.QuorumResponses > 0 {
		return EAGAIN
	}
	return selectReadQuorum(req, counters)
}

func countResponses(req *core.Message) int {
	n := 0
	for _, r := range req.Responses {
		if r != nil {
			n++
		}
	}
	return n
}

// selectReadQuorum implements the MAX_REPLICAS_PER_DC==3 selection rule:
// compare r0/r1 first and select r0 on a match without waiting for r2;
// otherwise wait for r2 if it hasn't arrived, then compare r1/r2 and
// r0/r2; if nothing matches, warn and select r0. A lone r0 (a single
// local rack) is selected once no further responses are pending.
func selectReadQuorum(req *core.Message, counters *stats.Counters) Outcome {
	r0, r1, r2 := req.Responses[0], req.Responses[1], req.Responses[2]
	if r1 == nil {
		if req.PendingResponses > 0 {
			return EAGAIN
		}
		selectWinner(req, r0, nil, nil)
		return OK
	}

	if core.PayloadCRC32(r0) == core.PayloadCRC32(r1) {
		selectWinner(req, r0, r1, r2)
		return OK
	}

	if req.PendingResponses > 0 {
		return EAGAIN
	}

	if r2 != nil {
		if core.PayloadCRC32(r1) == core.PayloadCRC32(r2) {
			selectWinner(req, r1, r0, r2)
			return OK
		}
		if core.PayloadCRC32(r0) == core.PayloadCRC32(r2) {
			selectWinner(req, r0, r1, r2)
			return OK
		}
	}

	if counters != nil {
		counters.QuorumMismatches.Add(1)
	}
	selectWinner(req, r0, r1, r2)
	return OK
}

func selectWinner(req *core.Message, winner, lose1, lose2 *core.Message) {
	req.Peer = winner
	winner.Peer = req
	for _, l := range [2]*core.Message{lose1, lose2} {
		if l != nil && l != winner {
			core.Put(l)
		}
	}
	for i, r := range req.Responses {
		if r == winner {
			req.Responses[i] = nil
		}
	}
}
