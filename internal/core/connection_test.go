package core

import (
	"testing"
	"time"
)

func TestEnqueueDequeueOutqFIFO(t *testing.T) {
	conn := NewConnection(1, RoleClient)
	a := New(conn, true)
	b := New(conn, true)
	conn.EnqueueOutq(a)
	conn.EnqueueOutq(b)

	if conn.OmsgFront() != a {
		t.Fatalf("expected a at front")
	}
	conn.DequeueOutq(a)
	if conn.OmsgFront() != b {
		t.Fatalf("expected b at front after dequeue")
	}
	conn.DequeueOutq(b)
	if !conn.OmsgEmpty() {
		t.Fatal("expected empty queue")
	}
}

func TestClientEnqueueOutqStampsStime(t *testing.T) {
	conn := NewConnection(1, RoleClient)
	fixed := time.Unix(1000, 0)
	conn.nowFunc = func() time.Time { return fixed }

	m := New(conn, true)
	conn.EnqueueOutq(m)
	if m.StimeMicros != fixed.UnixMicro() {
		t.Fatalf("StimeMicros = %d, want %d", m.StimeMicros, fixed.UnixMicro())
	}
}

type fakeLatency struct{ observed []time.Duration }

func (f *fakeLatency) ObserveLatency(d time.Duration) { f.observed = append(f.observed, d) }

func TestClientDequeueOutqRecordsLatency(t *testing.T) {
	conn := NewConnection(1, RoleClient)
	lat := &fakeLatency{}
	conn.Latency = lat

	tick := time.Unix(1000, 0)
	conn.nowFunc = func() time.Time { return tick }
	m := New(conn, true)
	conn.EnqueueOutq(m)

	tick = time.Unix(1000, 500*int64(time.Microsecond))
	conn.DequeueOutq(m)

	if len(lat.observed) != 1 {
		t.Fatalf("expected one latency observation, got %d", len(lat.observed))
	}
	if lat.observed[0] != 500*time.Microsecond {
		t.Fatalf("latency = %v, want 500µs", lat.observed[0])
	}
}

type fakeTimeouts struct {
	inserted, cancelled []*Message
}

func (f *fakeTimeouts) Insert(m *Message) { f.inserted = append(f.inserted, m) }
func (f *fakeTimeouts) Cancel(m *Message) { f.cancelled = append(f.cancelled, m) }

func TestStorageEnqueueInqArmsTimeoutUnlessNoReply(t *testing.T) {
	conn := NewConnection(1, RoleStorageOutbound)
	to := &fakeTimeouts{}
	conn.Timeouts = to

	m := New(conn, true)
	conn.EnqueueInq(m)
	if len(to.inserted) != 1 {
		t.Fatalf("expected timeout armed, got %d", len(to.inserted))
	}

	noreply := New(conn, true)
	noreply.NoReply = true
	conn.EnqueueInq(noreply)
	if len(to.inserted) != 1 {
		t.Fatalf("expected noreply request to skip timeout arming, got %d total", len(to.inserted))
	}
}

func TestStorageDequeueOutqCancelsTimeout(t *testing.T) {
	conn := NewConnection(1, RolePeerOutbound)
	to := &fakeTimeouts{}
	conn.Timeouts = to

	m := New(conn, true)
	conn.EnqueueOutq(m)
	conn.DequeueOutq(m)
	if len(to.cancelled) != 1 {
		t.Fatalf("expected timeout cancelled, got %d", len(to.cancelled))
	}
}

func TestActiveReflectsOutstandingWork(t *testing.T) {
	conn := NewConnection(1, RoleClient)
	if conn.Active() {
		t.Fatal("fresh connection should be inactive")
	}
	m := New(conn, true)
	conn.EnqueueOutq(m)
	if !conn.Active() {
		t.Fatal("connection with queued message should be active")
	}
	conn.DequeueOutq(m)
	if conn.Active() {
		t.Fatal("connection should be inactive after drain")
	}

	conn.RMsg = New(conn, true)
	if !conn.Active() {
		t.Fatal("connection mid-receive should be active")
	}
}

func TestMatchResponseFallsBackToOmsgHead(t *testing.T) {
	conn := NewConnection(1, RoleClient)
	m := New(conn, true)
	m.ID = 7
	conn.EnqueueOutq(m)

	if got := conn.MatchResponse(999); got != m {
		t.Fatalf("expected fallback to omsgQ head on dict miss, got %v", got)
	}

	conn.AddOutstanding(m)
	if got := conn.MatchResponse(7); got != m {
		t.Fatal("expected dict hit to return the indexed message")
	}
}

func TestSetConsistencyDefaults(t *testing.T) {
	conn := NewConnection(1, RoleClient)
	if conn.ReadConsistency != LocalQuorum || conn.WriteConsistency != LocalQuorum {
		t.Fatal("expected LocalQuorum defaults for both read and write")
	}
	conn.SetConsistency(true, LocalOne)
	if conn.ReadConsistency != LocalOne {
		t.Fatal("expected read consistency updated")
	}
	if conn.WriteConsistency != LocalQuorum {
		t.Fatal("write consistency should be unaffected")
	}
}

func TestReqDoneSingleFragment(t *testing.T) {
	conn := NewConnection(1, RoleClient)
	m := New(conn, true)
	conn.EnqueueOutq(m)

	if conn.ReqDone(m) {
		t.Fatal("expected not done before Done is set")
	}
	m.Done = true
	if !conn.ReqDone(m) {
		t.Fatal("expected done once Done is set (no fragment id)")
	}
}

func TestReqDoneWaitsForAllFragments(t *testing.T) {
	conn := NewConnection(1, RoleClient)
	f1 := New(conn, true)
	f2 := New(conn, true)
	f3 := New(conn, true)
	f1.FragID, f2.FragID, f3.FragID = 5, 5, 5
	f3.LastFragment = true
	conn.EnqueueOutq(f1)
	conn.EnqueueOutq(f2)
	conn.EnqueueOutq(f3)

	f1.Done = true
	if conn.ReqDone(f1) {
		t.Fatal("f1 should not be reported done while siblings are pending")
	}

	f2.Done = true
	f3.Done = true
	if !conn.ReqDone(f1) {
		t.Fatal("f1 should be done once every fragment in the chain is done")
	}
	if !f2.FDone || !f3.FDone {
		t.Fatal("expected FDone cached across the whole fragment chain")
	}
}

func TestReqDoneIsIdempotent(t *testing.T) {
	conn := NewConnection(1, RoleClient)
	m := New(conn, true)
	m.Done = true
	conn.EnqueueOutq(m)

	first := conn.ReqDone(m)
	second := conn.ReqDone(m)
	if first != second || !first {
		t.Fatal("ReqDone must be idempotent once true")
	}
}
