package collaboration

import (
	"github.com/designmesh/collab/pkg/collaboration/crdt"
)

// Element is one design element in the materialized document view
type Element struct {
	ID    string                 `json:"id"`
	Attrs map[string]interface{} `json:"attrs"`
}

// Clone returns a deep copy of the element
func (e *Element) Clone() *Element {
	attrs := make(map[string]interface{}, len(e.Attrs))
	for k, v := range e.Attrs {
		attrs[k] = v
	}
	return &Element{ID: e.ID, Attrs: attrs}
}

// DocumentView is the materialized result of folding the operation
// sequence. Alongside the live elements it keeps one LWW register per
// target id recording the winning write, including deletions, so that
// replaying the same operations in any delivery order converges.
type DocumentView struct {
	elements map[string]*Element
	// registers holds the last-writer stamp per target id. A register
	// with no live element is a tombstone.
	registers map[string]*crdt.LWWRegister
	clock     crdt.VectorClock
}

// NewDocumentView creates an empty view
func NewDocumentView() *DocumentView {
	return &DocumentView{
		elements:  make(map[string]*Element),
		registers: make(map[string]*crdt.LWWRegister),
		clock:     crdt.NewVectorClock(),
	}
}

// Element returns a copy of the element with the given id
func (v *DocumentView) Element(id string) (*Element, bool) {
	el, ok := v.elements[id]
	if !ok {
		return nil, false
	}
	return el.Clone(), true
}

// Elements returns copies of all live elements keyed by id
func (v *DocumentView) Elements() map[string]*Element {
	out := make(map[string]*Element, len(v.elements))
	for id, el := range v.elements {
		out[id] = el.Clone()
	}
	return out
}

// Len returns the number of live elements
func (v *DocumentView) Len() int {
	return len(v.elements)
}

// Clock returns a copy of the causal history folded into the view
func (v *DocumentView) Clock() crdt.VectorClock {
	return v.clock.Clone()
}

// register returns the LWW register for a target id, creating it on demand
func (v *DocumentView) register(id string) *crdt.LWWRegister {
	reg, ok := v.registers[id]
	if !ok {
		reg = crdt.NewLWWRegister()
		v.registers[id] = reg
	}
	return reg
}
