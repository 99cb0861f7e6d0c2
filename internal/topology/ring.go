// Package topology holds the datacenter → rack → peer tree the forwarding
// planner consults, plus the consistent-hash ring used to pick which peer
// within a rack owns a given key.
package topology

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
	"sync"
)

const defaultVnodes = 150

// Ring is a consistent-hash ring over the peers of a single rack. Unlike a
// cluster-wide ownership ring, it only ever holds the handful of peers that
// replicate one rack's slice of the keyspace — picking "the" owner here is
// a tie-breaker among otherwise-equivalent replicas, not a sharding
// decision, but the ring is what Dynomite itself uses for that role too.
type Ring struct {
	mu     sync.RWMutex
	vnodes int
	ring   map[uint32]string
	sorted []uint32
}

// NewRing builds a ring with vnodes virtual points per peer (defaultVnodes
// if vnodes <= 0).
func NewRing(vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = defaultVnodes
	}
	return &Ring{vnodes: vnodes, ring: make(map[uint32]string)}
}

// AddPeer places peerID's virtual nodes on the ring.
func (r *Ring) AddPeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.vnodes; i++ {
		pos := r.hash(fmt.Sprintf("%s#%d", peerID, i))
		r.ring[pos] = peerID
	}
	r.rebuild()
}

// RemovePeer removes all of peerID's virtual nodes.
func (r *Ring) RemovePeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.vnodes; i++ {
		pos := r.hash(fmt.Sprintf("%s#%d", peerID, i))
		delete(r.ring, pos)
	}
	r.rebuild()
}

// Owner returns the peer id owning key: the first ring position clockwise
// from hash(key). Empty string if the ring has no peers.
func (r *Ring) Owner(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sorted) == 0 {
		return ""
	}
	idx := r.search(r.hash(key))
	return r.ring[r.sorted[idx]]
}

// Peers returns the distinct peer ids currently on the ring, sorted.
func (r *Ring) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, id := range r.ring {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Ring) hash(s string) uint32 {
	h := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint32(h[:4])
}

func (r *Ring) rebuild() {
	r.sorted = make([]uint32, 0, len(r.ring))
	for pos := range r.ring {
		r.sorted = append(r.sorted, pos)
	}
	slices.Sort(r.sorted)
}

// search returns the index of the first position >= pos, wrapping to 0.
func (r *Ring) search(pos uint32) int {
	idx := sort.Search(len(r.sorted), func(i int) bool {
		return r.sorted[i] >= pos
	})
	if idx == len(r.sorted) {
		idx = 0
	}
	return idx
}
