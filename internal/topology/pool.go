package topology

import (
	"math/rand"
	"time"
)

// Peer is one addressable node within a rack.
type Peer struct {
	ID    string
	Addr  string
	Local bool // true iff this peer is the local node itself
}

// Rack is a fault-isolation group holding one replica of the keyspace
// within a datacenter. Its ring picks which of its peers owns a key when
// more than one peer backs the same rack (single-peer racks are the
// common case and the ring degenerates to always returning that peer).
type Rack struct {
	Name  string
	Peers []Peer
	ring  *Ring
}

func newRack(name string, peers []Peer) *Rack {
	r := &Rack{Name: name, Peers: peers, ring: NewRing(0)}
	for _, p := range peers {
		r.ring.AddPeer(p.ID)
	}
	return r
}

// Owner returns the peer within the rack that owns key, per the
// consistent-hash ring, plus ok=false if the rack has no peers.
func (rk *Rack) Owner(key string) (Peer, bool) {
	id := rk.ring.Owner(key)
	if id == "" {
		return Peer{}, false
	}
	for _, p := range rk.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

// Datacenter is a set of racks; exactly one configured datacenter is local.
type Datacenter struct {
	Name  string
	Local bool
	Racks []*Rack
}

// Pool is the DC → rack → peer tree plus the local node's identity and the
// optional hash-tag delimiter pair used to extract a routing key from a
// larger key string.
type Pool struct {
	Datacenters []*Datacenter

	LocalDC   string
	LocalRack string
	LocalPeer string

	HashTagOpen  byte
	HashTagClose byte

	AdminMode bool

	Rand *rand.Rand
}

// NewPool builds a Pool and its per-rack rings from a datacenter → rack →
// peers map plus the local node's coordinates.
func NewPool(dcs map[string]map[string][]Peer, localDC, localRack, localPeer string) *Pool {
	p := &Pool{LocalDC: localDC, LocalRack: localRack, LocalPeer: localPeer}
	for dcName, racks := range dcs {
		dc := &Datacenter{Name: dcName, Local: dcName == localDC}
		for rackName, peers := range racks {
			dc.Racks = append(dc.Racks, newRack(rackName, peers))
		}
		p.Datacenters = append(p.Datacenters, dc)
	}
	return p
}

func (p *Pool) rng() *rand.Rand {
	if p.Rand == nil {
		p.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.Rand
}

// Local returns the local datacenter and reports whether it was found.
func (p *Pool) Local() (*Datacenter, bool) {
	for _, dc := range p.Datacenters {
		if dc.Local {
			return dc, true
		}
	}
	return nil, false
}

// LocalRackOf returns the local rack within the local datacenter.
func (p *Pool) LocalRackOf() (*Rack, bool) {
	dc, ok := p.Local()
	if !ok {
		return nil, false
	}
	for _, rk := range dc.Racks {
		if rk.Name == p.LocalRack {
			return rk, true
		}
	}
	return nil, false
}

// Remote returns every non-local datacenter.
func (p *Pool) Remote() []*Datacenter {
	var out []*Datacenter
	for _, dc := range p.Datacenters {
		if !dc.Local {
			out = append(out, dc)
		}
	}
	return out
}

// RandomRack picks one rack from dc uniformly at random, independent per
// call (no session stickiness, per the spec's randomness note).
func (p *Pool) RandomRack(dc *Datacenter) (*Rack, bool) {
	if len(dc.Racks) == 0 {
		return nil, false
	}
	return dc.Racks[p.rng().Intn(len(dc.Racks))], true
}

// IsLocal reports whether peer is this node itself.
func (p *Pool) IsLocal(peer Peer) bool {
	return peer.Local || peer.ID == p.LocalPeer
}

// RoutingKey extracts the hash-tagged inner key span when both delimiters
// are configured, else returns key unchanged.
func (p *Pool) RoutingKey(key []byte) []byte {
	if p.HashTagOpen == 0 || p.HashTagClose == 0 {
		return key
	}
	start := -1
	for i, b := range key {
		if b == p.HashTagOpen {
			start = i
			break
		}
	}
	if start < 0 {
		return key
	}
	for i := start + 1; i < len(key); i++ {
		if key[i] == p.HashTagClose {
			return key[start+1 : i]
		}
	}
	return key
}
