package collaboration

import (
	"github.com/pkg/errors"

	"github.com/designmesh/collab/pkg/models"
	"github.com/designmesh/collab/pkg/observability"
)

// Resolver folds operations into a document view. Conflicts are decided
// purely by comparing stamps at apply time (last-writer-wins per target,
// op-id tiebreak), never by the order operations arrive, so replaying
// the same set of create/delete operations in any delivery order
// converges to the same view.
//
// Intentional simplification: the winner is chosen per whole target, not
// per field. Concurrent edits to different fields of one element can
// lose the older edit. Vector clocks are used to observe how often that
// situation occurs, not to change the outcome.
type Resolver struct {
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewResolver creates a resolver
func NewResolver(logger observability.Logger, metrics observability.MetricsClient) *Resolver {
	return &Resolver{
		logger:  logger.WithPrefix("resolver"),
		metrics: metrics,
	}
}

// Apply folds one operation into the view. Superseded operations and
// updates on missing targets are silently dropped; both leave the view
// unchanged and return nil.
func (r *Resolver) Apply(view *DocumentView, op *models.Operation) error {
	if view == nil || op == nil {
		return errors.Wrap(models.ErrInvalidOperation, "nil view or operation")
	}
	if !op.Kind.Valid() || op.TargetElementID == "" {
		return errors.Wrapf(models.ErrInvalidOperation, "kind %q target %q", op.Kind, op.TargetElementID)
	}

	r.observeConcurrency(view, op)

	switch op.Kind {
	case models.OpCreate:
		r.applyCreate(view, op)
	case models.OpUpdate:
		r.applyMerge(view, op, op.Payload)
	case models.OpMove:
		r.applyMerge(view, op, movePayload(op.Payload))
	case models.OpDelete:
		r.applyDelete(view, op)
	}

	r.metrics.IncrementCounterWithLabels("operations_applied", 1, map[string]string{
		"kind": string(op.Kind),
	})
	return nil
}

// applyCreate inserts or overwrites the target element unless a newer
// write, including a deletion, already won the target.
func (r *Resolver) applyCreate(view *DocumentView, op *models.Operation) {
	reg := view.register(op.TargetElementID)
	if !reg.Set(string(op.Kind), op.Timestamp, op.ID) {
		r.dropped(op, "superseded")
		return
	}

	attrs := make(map[string]interface{}, len(op.Payload))
	for k, v := range op.Payload {
		attrs[k] = v
	}
	view.elements[op.TargetElementID] = &Element{ID: op.TargetElementID, Attrs: attrs}
}

// applyMerge shallow-merges fields onto an existing element. A missing
// target is a no-op, so updates racing a delete are dropped.
func (r *Resolver) applyMerge(view *DocumentView, op *models.Operation, fields map[string]interface{}) {
	el, ok := view.elements[op.TargetElementID]
	if !ok {
		r.dropped(op, "missing_target")
		return
	}

	reg := view.register(op.TargetElementID)
	if !reg.Set(string(op.Kind), op.Timestamp, op.ID) {
		r.dropped(op, "superseded")
		return
	}

	for k, v := range fields {
		el.Attrs[k] = v
	}
}

// applyDelete removes the target. The register keeps the delete stamp as
// a tombstone so an older create arriving later stays dead.
func (r *Resolver) applyDelete(view *DocumentView, op *models.Operation) {
	reg := view.register(op.TargetElementID)
	if !reg.Set(string(op.Kind), op.Timestamp, op.ID) {
		r.dropped(op, "superseded")
		return
	}

	delete(view.elements, op.TargetElementID)
}

// observeConcurrency counts operations whose causal history is
// concurrent with what the view has already folded in.
func (r *Resolver) observeConcurrency(view *DocumentView, op *models.Operation) {
	if op.Clock == nil {
		return
	}
	if len(view.clock) > 0 && op.Clock.Concurrent(view.clock) {
		r.metrics.IncrementCounter("concurrent_operations_seen", 1)
	}
	view.clock.Update(op.Clock)
}

func (r *Resolver) dropped(op *models.Operation, reason string) {
	r.metrics.IncrementCounterWithLabels("operations_dropped", 1, map[string]string{
		"reason": reason,
	})
	r.logger.Debug("Operation dropped", map[string]interface{}{
		"operation_id": op.ID,
		"kind":         op.Kind,
		"target":       op.TargetElementID,
		"reason":       reason,
	})
}

// movePayload restricts a move operation to position fields
func movePayload(payload map[string]interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, 2)
	if x, ok := payload["x"]; ok {
		fields["x"] = x
	}
	if y, ok := payload["y"]; ok {
		fields["y"] = y
	}
	return fields
}
