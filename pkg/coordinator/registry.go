package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/designmesh/collab/pkg/models"
	"github.com/designmesh/collab/pkg/observability"
)

// Registry supervises one coordinator goroutine per active document.
// Coordinators are created lazily on the first join and retired when
// their last session leaves; callers never observe the lifecycle, they
// just see document-scoped operations with bounded latency.
type Registry struct {
	cfg         Config
	permissions PermissionChecker
	sink        ViewSink
	logger      observability.Logger
	metrics     observability.MetricsClient

	mu           sync.Mutex
	coordinators map[string]*documentCoordinator
	closed       bool
	wg           sync.WaitGroup
}

// NewRegistry creates a coordinator registry. A nil permissions checker
// admits everyone.
func NewRegistry(
	cfg Config,
	permissions PermissionChecker,
	sink ViewSink,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Registry {
	if permissions == nil {
		permissions = AllowAll
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &Registry{
		cfg:          cfg.withDefaults(),
		permissions:  permissions,
		sink:         sink,
		logger:       logger.WithPrefix("coordinator"),
		metrics:      metrics,
		coordinators: make(map[string]*documentCoordinator),
	}
}

// Join admits a participant into a document's editing session. It
// returns the session handle the transport reads events from plus a
// snapshot of the current participants and document view.
func (r *Registry) Join(ctx context.Context, documentID string, participant models.Participant) (*SessionHandle, *JoinSnapshot, error) {
	if documentID == "" || participant.ID == "" {
		return nil, nil, errors.Wrap(models.ErrInvalidOperation, "document id and participant id are required")
	}
	if !r.permissions(ctx, participant, documentID) {
		return nil, nil, errors.Wrapf(models.ErrNotAuthorized, "participant %s cannot read document %s", participant.ID, documentID)
	}

	c, err := r.admit(documentID)
	if err != nil {
		return nil, nil, err
	}

	cmd := joinCmd{participant: participant, reply: make(chan joinReply, 1)}
	timer := time.NewTimer(r.cfg.RequestTimeout)
	defer timer.Stop()

	if err := sendCommand(ctx, timer, c, cmd); err != nil {
		// The join never reached the coordinator loop; release the
		// reservation and nudge retirement.
		c.pendingJoins.Add(-1)
		r.nudge(c)
		return nil, nil, err
	}
	reply, err := awaitReply(ctx, timer, c, cmd.reply)
	if err != nil {
		// The command is queued; handleJoin owns the reservation and
		// releases it when it runs. The orphaned session it creates is
		// reaped by the inactivity sweep or a slow-consumer disconnect.
		return nil, nil, err
	}
	if reply.handle == nil {
		return nil, nil, models.ErrDocumentUnavailable
	}
	return reply.handle, reply.snapshot, nil
}

// Leave removes a session from a document. It is idempotent: leaving an
// unknown session or document reports false without error.
func (r *Registry) Leave(ctx context.Context, documentID, sessionID string) (bool, error) {
	c, ok := r.coordinator(documentID)
	if !ok {
		return false, nil
	}
	return roundTrip(ctx, r.cfg.RequestTimeout, c,
		leaveCmd{sessionID: sessionID, reply: make(chan bool, 1)},
		func(cmd leaveCmd) chan bool { return cmd.reply })
}

// UpdateCursor records a session's cursor position and broadcasts it to
// the other participants.
func (r *Registry) UpdateCursor(ctx context.Context, documentID, sessionID string, point models.Point) error {
	c, ok := r.coordinator(documentID)
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "document %s has no active sessions", documentID)
	}
	err, rtErr := roundTrip(ctx, r.cfg.RequestTimeout, c,
		cursorCmd{sessionID: sessionID, point: point, reply: make(chan error, 1)},
		func(cmd cursorCmd) chan error { return cmd.reply })
	if rtErr != nil {
		return rtErr
	}
	return err
}

// UpdateSelection records a session's selection rectangle, or clears it
// when rect is nil, and broadcasts the change.
func (r *Registry) UpdateSelection(ctx context.Context, documentID, sessionID string, rect *models.Rect) error {
	c, ok := r.coordinator(documentID)
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "document %s has no active sessions", documentID)
	}
	err, rtErr := roundTrip(ctx, r.cfg.RequestTimeout, c,
		selectionCmd{sessionID: sessionID, rect: rect, reply: make(chan error, 1)},
		func(cmd selectionCmd) chan error { return cmd.reply })
	if rtErr != nil {
		return rtErr
	}
	return err
}

// Ping refreshes a session's activity clock so the inactivity sweep
// does not reap a quiet but connected participant.
func (r *Registry) Ping(ctx context.Context, documentID, sessionID string) error {
	c, ok := r.coordinator(documentID)
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "document %s has no active sessions", documentID)
	}
	err, rtErr := roundTrip(ctx, r.cfg.RequestTimeout, c,
		pingCmd{sessionID: sessionID, reply: make(chan error, 1)},
		func(cmd pingCmd) chan error { return cmd.reply })
	if rtErr != nil {
		return rtErr
	}
	return err
}

// SubmitOperation journals an edit operation, resolves it against the
// document view and broadcasts it to every other session. The returned
// operation carries the assigned id, timestamp and vector clock.
func (r *Registry) SubmitOperation(ctx context.Context, documentID, sessionID string, op *models.Operation) (*models.Operation, error) {
	c, ok := r.coordinator(documentID)
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "document %s has no active sessions", documentID)
	}
	reply, err := roundTrip(ctx, r.cfg.RequestTimeout, c,
		editCmd{sessionID: sessionID, op: op, reply: make(chan editReply, 1)},
		func(cmd editCmd) chan editReply { return cmd.reply })
	if err != nil {
		return nil, err
	}
	return reply.op, reply.err
}

// Fanout pushes an externally produced event, such as a review
// notification, to every session of a document. It reports how many
// sessions received it; a document with no sessions is not an error.
func (r *Registry) Fanout(ctx context.Context, documentID string, event models.Event) (int, error) {
	c, ok := r.coordinator(documentID)
	if !ok {
		return 0, nil
	}
	return roundTrip(ctx, r.cfg.RequestTimeout, c,
		fanoutCmd{event: event, reply: make(chan int, 1)},
		func(cmd fanoutCmd) chan int { return cmd.reply })
}

// ActiveSessions lists the sessions currently joined to a document
func (r *Registry) ActiveSessions(ctx context.Context, documentID string) ([]*models.Session, error) {
	c, ok := r.coordinator(documentID)
	if !ok {
		return nil, nil
	}
	return roundTrip(ctx, r.cfg.RequestTimeout, c,
		sessionsCmd{reply: make(chan []*models.Session, 1)},
		func(cmd sessionsCmd) chan []*models.Session { return cmd.reply })
}

// SweepInactive removes every session idle longer than the configured
// session timeout, across all documents, and reports how many were
// removed.
func (r *Registry) SweepInactive(ctx context.Context) int {
	r.mu.Lock()
	targets := make([]*documentCoordinator, 0, len(r.coordinators))
	for _, c := range r.coordinators {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	swept := 0
	for _, c := range targets {
		n, err := roundTrip(ctx, r.cfg.RequestTimeout, c,
			sweepCmd{threshold: r.cfg.SessionTimeout, reply: make(chan int, 1)},
			func(cmd sweepCmd) chan int { return cmd.reply })
		if err != nil {
			continue
		}
		swept += n
	}
	if swept > 0 {
		r.logger.Info("Swept inactive sessions", map[string]interface{}{"count": swept})
	}
	return swept
}

// Run sweeps inactive sessions on the configured interval until the
// context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepInactive(ctx)
		}
	}
}

// Close stops every coordinator and closes all session streams. The
// registry rejects joins afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	targets := make([]*documentCoordinator, 0, len(r.coordinators))
	for _, c := range r.coordinators {
		targets = append(targets, c)
	}
	r.coordinators = make(map[string]*documentCoordinator)
	r.mu.Unlock()

	for _, c := range targets {
		stop := stopCmd{reply: make(chan struct{}, 1)}
		select {
		case c.commands <- stop:
		case <-c.done:
			continue
		}
		select {
		case <-stop.reply:
		case <-c.done:
		}
	}
	r.wg.Wait()
}

// DocumentCount reports how many documents currently have a coordinator
func (r *Registry) DocumentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.coordinators)
}

// admit finds or creates the coordinator for a document and reserves a
// pending join on it, which blocks retirement until the join lands.
func (r *Registry) admit(documentID string) (*documentCoordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.Wrap(models.ErrDocumentUnavailable, "registry is closed")
	}

	c, ok := r.coordinators[documentID]
	if !ok {
		c = newDocumentCoordinator(documentID, r.cfg, r.sink, r.retireCoordinator, r.logger, r.metrics)
		r.coordinators[documentID] = c
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			c.run()
		}()
		r.metrics.IncrementCounter("documents_opened", 1)
		r.logger.Info("Opened document coordinator", map[string]interface{}{"document_id": documentID})
	}
	c.pendingJoins.Add(1)
	return c, nil
}

// coordinator looks up the live coordinator for a document
func (r *Registry) coordinator(documentID string) (*documentCoordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coordinators[documentID]
	return c, ok
}

// retireCoordinator is called from a coordinator goroutine when its last
// session leaves. The pending-join recheck under the registry lock makes
// retirement and admission mutually exclusive: either the join reserved
// first and retirement is refused, or the coordinator is unmapped and
// the next join starts a fresh one.
func (r *Registry) retireCoordinator(c *documentCoordinator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.pendingJoins.Load() != 0 {
		return false
	}
	if current, ok := r.coordinators[c.documentID]; !ok || current != c {
		return false
	}
	delete(r.coordinators, c.documentID)
	r.metrics.IncrementCounter("documents_closed", 1)
	r.logger.Info("Retired document coordinator", map[string]interface{}{"document_id": c.documentID})
	return true
}

// nudge delivers a no-op command so an idle coordinator re-evaluates
// retirement; best effort, the sweep loop covers the miss.
func (r *Registry) nudge(c *documentCoordinator) {
	cmd := sessionsCmd{reply: make(chan []*models.Session, 1)}
	select {
	case c.commands <- cmd:
	default:
	}
}

// roundTrip sends a command to a coordinator and waits for its reply,
// bounded by the caller context and the request timeout.
func roundTrip[C command, R any](ctx context.Context, timeout time.Duration, c *documentCoordinator, cmd C, replyOf func(C) chan R) (R, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := sendCommand(ctx, timer, c, cmd); err != nil {
		var zero R
		return zero, err
	}
	return awaitReply(ctx, timer, c, replyOf(cmd))
}

// sendCommand delivers a command into the coordinator's inbound channel.
// Once it returns nil the coordinator owns the command: any state the
// caller reserved, such as a pending join, is released by the handler,
// not by the caller.
func sendCommand(ctx context.Context, timer *time.Timer, c *documentCoordinator, cmd command) error {
	select {
	case c.commands <- cmd:
		return nil
	case <-ctx.Done():
		return errors.Wrap(models.ErrTimeout, ctx.Err().Error())
	case <-timer.C:
		return errors.Wrapf(models.ErrTimeout, "document %s coordinator did not accept the request", c.documentID)
	}
}

func awaitReply[R any](ctx context.Context, timer *time.Timer, c *documentCoordinator, reply chan R) (R, error) {
	var zero R
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return zero, errors.Wrap(models.ErrTimeout, ctx.Err().Error())
	case <-timer.C:
		return zero, errors.Wrapf(models.ErrTimeout, "document %s coordinator did not reply", c.documentID)
	}
}
