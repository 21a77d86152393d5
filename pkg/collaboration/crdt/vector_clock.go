// Package crdt provides the conflict-resolution primitives used by the
// operation log and resolver: vector clocks for causality tracking and
// a last-writer-wins register for per-element winners.
package crdt

// NodeID identifies a participant node in the causal history.
// Session ids serve as node ids in the collaboration coordinator.
type NodeID string

// VectorClock tracks causal history as a map of node id to logical time
type VectorClock map[NodeID]uint64

// NewVectorClock creates an empty vector clock
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment advances the logical time of the given node
func (vc VectorClock) Increment(node NodeID) {
	vc[node]++
}

// Update merges another clock into this one, taking the pointwise maximum
func (vc VectorClock) Update(other VectorClock) {
	for node, value := range other {
		if value > vc[node] {
			vc[node] = value
		}
	}
}

// HappensBefore reports whether vc causally precedes other: every entry
// is less than or equal to other's, and at least one is strictly less.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	strictlyLess := false
	for node, value := range vc {
		otherValue := other[node]
		if value > otherValue {
			return false
		}
		if value < otherValue {
			strictlyLess = true
		}
	}
	for node := range other {
		if _, ok := vc[node]; !ok && other[node] > 0 {
			strictlyLess = true
		}
	}
	return strictlyLess
}

// Concurrent reports whether neither clock happens before the other
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return !vc.HappensBefore(other) && !other.HappensBefore(vc)
}

// Clone creates an independent copy of the clock
func (vc VectorClock) Clone() VectorClock {
	cp := make(VectorClock, len(vc))
	for node, value := range vc {
		cp[node] = value
	}
	return cp
}
