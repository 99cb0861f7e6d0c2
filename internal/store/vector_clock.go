package store

// VectorClock tags a stored value with this node's local write counter.
//
// Cross-node reconciliation no longer happens here — the fabric resolves
// replica divergence above this layer, by comparing response payload
// checksums (see internal/coalesce), not by merging clocks between nodes.
// What remains is purely local bookkeeping: Put and Delete bump the node's
// own counter in the stored Value. Nothing in this package compares
// clocks; WAL replay applies entries in log order.
type VectorClock map[string]uint64

// Increment increases the counter for a specific node.
func (vc VectorClock) Increment(nodeID string) {
	vc[nodeID]++
}

// Copy creates a deep copy of the vector clock. Important because maps in
// Go are reference types — without copying, two Values could share one
// map and mutate each other's history.
func (vc VectorClock) Copy() VectorClock {
	c := make(VectorClock, len(vc))
	for k, v := range vc {
		c[k] = v
	}
	return c
}
