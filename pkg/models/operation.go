package models

import (
	"time"

	"github.com/designmesh/collab/pkg/collaboration/crdt"
)

// OperationKind is the kind of an edit operation
type OperationKind string

// Edit operation kinds
const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
	OpMove   OperationKind = "move"
)

// Valid reports whether k is one of the known operation kinds
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete, OpMove:
		return true
	}
	return false
}

// Operation is a single atomic edit intent applied to one document
// element. Operations are immutable once appended to the operation log;
// only the derived document view changes.
type Operation struct {
	ID              string                 `json:"id"`
	DocumentID      string                 `json:"document_id"`
	Kind            OperationKind          `json:"kind"`
	TargetElementID string                 `json:"target_element_id"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
	OriginSessionID string                 `json:"origin_session_id"`
	// Clock captures the log's causal history at append time. It is
	// used to detect concurrent edits, never to decide a winner.
	Clock crdt.VectorClock `json:"clock,omitempty"`
}

// Clone returns a deep copy of the operation
func (o *Operation) Clone() *Operation {
	cp := *o
	if o.Payload != nil {
		cp.Payload = make(map[string]interface{}, len(o.Payload))
		for k, v := range o.Payload {
			cp.Payload[k] = v
		}
	}
	if o.Clock != nil {
		cp.Clock = o.Clock.Clone()
	}
	return &cp
}

// Supersedes reports whether o wins over other under last-writer-wins:
// the later timestamp wins, ties broken by lexicographic operation id
// for determinism.
func (o *Operation) Supersedes(other *Operation) bool {
	if o.Timestamp.After(other.Timestamp) {
		return true
	}
	if o.Timestamp.Equal(other.Timestamp) {
		return o.ID > other.ID
	}
	return false
}
