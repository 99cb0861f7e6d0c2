package engine

import (
	"bufio"
	"strings"
	"testing"

	"dynofabric/internal/core"
	"dynofabric/internal/router"
	"dynofabric/internal/stats"
	"dynofabric/internal/storage"
	"dynofabric/internal/store"
	"dynofabric/internal/topology"
)

// singleNodePool builds a topology with exactly one local rack, one local
// peer (the node itself), and no remote DCs — every request resolves
// against local storage alone.
func singleNodePool() *topology.Pool {
	dcs := map[string]map[string][]topology.Peer{
		"dc1": {
			"rack1": {{ID: "self", Addr: "local", Local: true}},
		},
	}
	return topology.NewPool(dcs, "dc1", "rack1", "self")
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	st, err := store.New(t.TempDir(), "self")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	backend := storage.New(st)
	counters := &stats.Counters{}
	rt := router.New(singleNodePool(), nil, counters) // Resolver set below
	d := New(rt, backend, counters)
	rt.Resolver = d
	return d
}

func readerFor(line string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(line))
}

func TestIntakeSetThenGetSingleNode(t *testing.T) {
	d := newTestDispatcher(t)
	client := core.NewConnection(1, core.RoleClient)

	dl, closed, err := d.Intake(client, readerFor("SET k1 v1\r\n"))
	if err != nil || closed {
		t.Fatalf("unexpected err=%v closed=%v", err, closed)
	}
	if dl != nil {
		t.Fatal("expected the write to resolve asynchronously via storage, not immediately")
	}

	deliveries := d.DrainStorage()
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery after draining storage, got %d", len(deliveries))
	}
	if deliveries[0].Rsp.Error {
		t.Fatalf("expected successful SET, got error %q", deliveries[0].Rsp.Payload)
	}
	d.Delivered(&deliveries[0])

	dl, closed, err = d.Intake(client, readerFor("GET k1\r\n"))
	if err != nil || closed || dl != nil {
		t.Fatalf("unexpected state after GET intake: dl=%v closed=%v err=%v", dl, closed, err)
	}
	deliveries = d.DrainStorage()
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery for the read, got %d", len(deliveries))
	}
	if string(deliveries[0].Rsp.Payload[0]) != "v1\r\n" {
		t.Fatalf("expected v1, got %q", deliveries[0].Rsp.Payload[0])
	}
}

func TestIntakeEmptyLineIsFiltered(t *testing.T) {
	d := newTestDispatcher(t)
	client := core.NewConnection(1, core.RoleClient)

	dl, closed, err := d.Intake(client, readerFor("\r\n"))
	if dl != nil || closed || err != nil {
		t.Fatalf("expected a filtered empty line to produce nothing, got dl=%v closed=%v err=%v", dl, closed, err)
	}
}

func TestIntakeQuitHalfCloses(t *testing.T) {
	d := newTestDispatcher(t)
	client := core.NewConnection(1, core.RoleClient)

	dl, closed, err := d.Intake(client, readerFor("QUIT\r\n"))
	if dl != nil || !closed || err != nil {
		t.Fatalf("expected quit to half-close with no delivery, got dl=%v closed=%v err=%v", dl, closed, err)
	}
	if !client.EOF {
		t.Fatal("expected client.EOF set after quit")
	}
}

func TestIntakeAdminDispatchResolvesImmediately(t *testing.T) {
	d := newTestDispatcher(t)
	client := core.NewConnection(1, core.RoleClient)

	dl, closed, err := d.Intake(client, readerFor("CONFIG read\r\n"))
	if err != nil || closed {
		t.Fatalf("unexpected err=%v closed=%v", err, closed)
	}
	if dl == nil {
		t.Fatal("expected an immediate admin delivery")
	}
	if client.ReadConsistency != core.LocalOne {
		t.Fatalf("expected read consistency toggled, got %v", client.ReadConsistency)
	}
}

func TestHandlePeerResponseFireAndForgetProducesNoDelivery(t *testing.T) {
	d := newTestDispatcher(t)
	peerConn := core.NewConnection(5, core.RolePeerOutbound)

	clone := core.New(peerConn, true)
	clone.Swallow = true
	clone.FireAndForget = true
	peerConn.EnqueueOutq(clone)

	rsp := core.New(peerConn, false)
	dl := d.HandlePeerResponse(peerConn, rsp)
	if dl != nil {
		t.Fatal("expected no delivery for a fire-and-forget clone's response")
	}
	if d.Counters.PeerResponses.Load() != 1 {
		t.Fatalf("expected PeerResponses incremented, got %d", d.Counters.PeerResponses.Load())
	}
}

func TestHandlePeerResponseDropsLateAckAfterPrimaryRetired(t *testing.T) {
	d := newTestDispatcher(t)
	client := core.NewConnection(1, core.RoleClient)

	primary := core.New(client, true)
	primary.RspHandler = core.HandlerWriteQuorum
	primary.QuorumResponses = 1 // resolves on the very first ack
	client.EnqueueOutq(primary)

	peerA := core.NewConnection(5, core.RolePeerOutbound)
	peerA.EnqueueOutq(primary)

	peerB := core.NewConnection(6, core.RolePeerOutbound)
	clone := core.New(peerB, true)
	clone.Swallow = true
	clone.FanoutOrigin = primary
	primary.Clones = append(primary.Clones, clone)
	peerB.EnqueueOutq(clone)

	dl := d.HandlePeerResponse(peerA, core.New(peerA, false))
	if dl == nil {
		t.Fatal("expected a delivery once the lone quorum slot is satisfied")
	}
	d.Delivered(dl)
	if !clone.FanoutSpent {
		t.Fatal("expected the still-outstanding clone marked spent once the primary was retired")
	}

	dl2 := d.HandlePeerResponse(peerB, core.New(peerB, false))
	if dl2 != nil {
		t.Fatal("expected no delivery for a late ack on a clone whose primary already resolved")
	}
	if d.Counters.PeerResponses.Load() != 2 {
		t.Fatalf("expected both acks counted, got %d", d.Counters.PeerResponses.Load())
	}
}

func TestCloseClientSwallowsInFlightAndReleasesDone(t *testing.T) {
	d := newTestDispatcher(t)
	client := core.NewConnection(1, core.RoleClient)

	done := core.New(client, true)
	done.Done = true
	client.EnqueueOutq(done)

	pending := core.New(client, true)
	client.EnqueueOutq(pending)

	d.CloseClient(client)

	if !client.OmsgEmpty() {
		t.Fatal("expected client out-queue empty after close drain")
	}
	if !pending.Swallow {
		t.Fatal("expected the in-flight request marked swallow")
	}
	if d.Counters.ClientDroppedRequests.Load() != 1 {
		t.Fatalf("expected 1 dropped request counted, got %d", d.Counters.ClientDroppedRequests.Load())
	}
	if !client.Done || !client.EOF {
		t.Fatal("expected client marked done and eof")
	}
}
