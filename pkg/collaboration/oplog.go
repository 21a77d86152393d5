// Package collaboration implements the edit-merge core of the
// coordinator: an append-only operation log per document and a resolver
// that folds operations into a document view under last-writer-wins.
package collaboration

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/designmesh/collab/pkg/collaboration/crdt"
	"github.com/designmesh/collab/pkg/models"
)

// OperationLog is a per-document append-only journal of edit operations.
// Appended operations are never mutated; the log hands out copies.
type OperationLog struct {
	mu         sync.RWMutex
	documentID string
	ops        []*models.Operation
	clock      crdt.VectorClock
}

// NewOperationLog creates an empty log for a document
func NewOperationLog(documentID string) *OperationLog {
	return &OperationLog{
		documentID: documentID,
		clock:      crdt.NewVectorClock(),
	}
}

// Append validates and journals an operation. A missing id or timestamp
// is assigned here; the log's vector clock is advanced for the origin
// session and stamped onto the stored operation.
func (l *OperationLog) Append(op *models.Operation) (*models.Operation, error) {
	if op == nil {
		return nil, errors.Wrap(models.ErrInvalidOperation, "nil operation")
	}
	if !op.Kind.Valid() {
		return nil, errors.Wrapf(models.ErrInvalidOperation, "unknown kind %q", op.Kind)
	}
	if op.TargetElementID == "" {
		return nil, errors.Wrap(models.ErrInvalidOperation, "missing target element id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stored := op.Clone()
	stored.DocumentID = l.documentID
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}

	l.clock.Increment(crdt.NodeID(stored.OriginSessionID))
	if stored.Clock != nil {
		l.clock.Update(stored.Clock)
	}
	stored.Clock = l.clock.Clone()

	l.ops = append(l.ops, stored)
	return stored.Clone(), nil
}

// Len returns the number of journaled operations
func (l *OperationLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.ops)
}

// Clock returns a copy of the log's current vector clock
func (l *OperationLog) Clock() crdt.VectorClock {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.clock.Clone()
}

// Snapshot returns copies of all journaled operations in append order
func (l *OperationLog) Snapshot() []*models.Operation {
	return l.Since(0)
}

// Since returns copies of the operations journaled at or after index i,
// used for catch-up replay by late joiners
func (l *OperationLog) Since(i int) []*models.Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if i < 0 {
		i = 0
	}
	if i >= len(l.ops) {
		return nil
	}

	out := make([]*models.Operation, 0, len(l.ops)-i)
	for _, op := range l.ops[i:] {
		out = append(out, op.Clone())
	}
	return out
}
