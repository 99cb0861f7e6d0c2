package topology

import "testing"

func TestRingOwnerEmpty(t *testing.T) {
	r := NewRing(0)
	if r.Owner("k") != "" {
		t.Fatal("expected empty owner on empty ring")
	}
}

func TestRingOwnerStable(t *testing.T) {
	r := NewRing(10)
	r.AddPeer("p1")
	r.AddPeer("p2")
	r.AddPeer("p3")

	first := r.Owner("somekey")
	for i := 0; i < 5; i++ {
		if got := r.Owner("somekey"); got != first {
			t.Fatalf("owner changed across calls: %s vs %s", got, first)
		}
	}
}

func TestRingSinglePeerAlwaysOwns(t *testing.T) {
	r := NewRing(5)
	r.AddPeer("only")
	for _, k := range []string{"a", "b", "c", "zzz"} {
		if got := r.Owner(k); got != "only" {
			t.Fatalf("Owner(%q) = %q, want only", k, got)
		}
	}
}

func TestRingRemovePeer(t *testing.T) {
	r := NewRing(10)
	r.AddPeer("p1")
	r.AddPeer("p2")
	r.RemovePeer("p2")
	for i := 0; i < 20; i++ {
		key := string(rune('a' + i))
		if got := r.Owner(key); got != "p1" {
			t.Fatalf("Owner(%q) = %q, want p1 after removal", key, got)
		}
	}
}

func TestRingPeersDistinctSorted(t *testing.T) {
	r := NewRing(5)
	r.AddPeer("b")
	r.AddPeer("a")
	peers := r.Peers()
	if len(peers) != 2 || peers[0] != "a" || peers[1] != "b" {
		t.Fatalf("Peers() = %v, want [a b]", peers)
	}
}
