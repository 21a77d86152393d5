package coordinator

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/designmesh/collab/pkg/collaboration"
	"github.com/designmesh/collab/pkg/models"
	"github.com/designmesh/collab/pkg/observability"
)

// command is the closed set of requests a document coordinator accepts.
// Every variant carries its own reply channel; the coordinator goroutine
// is the only writer of document state.
type command interface{ isCommand() }

type joinCmd struct {
	participant models.Participant
	reply       chan joinReply
}

type joinReply struct {
	handle   *SessionHandle
	snapshot *JoinSnapshot
}

type leaveCmd struct {
	sessionID string
	reply     chan bool
}

type cursorCmd struct {
	sessionID string
	point     models.Point
	reply     chan error
}

type selectionCmd struct {
	sessionID string
	rect      *models.Rect
	reply     chan error
}

type pingCmd struct {
	sessionID string
	reply     chan error
}

type editCmd struct {
	sessionID string
	op        *models.Operation
	reply     chan editReply
}

type editReply struct {
	op  *models.Operation
	err error
}

type fanoutCmd struct {
	event models.Event
	reply chan int
}

type sessionsCmd struct {
	reply chan []*models.Session
}

type sweepCmd struct {
	threshold time.Duration
	reply     chan int
}

type stopCmd struct {
	reply chan struct{}
}

func (joinCmd) isCommand()      {}
func (leaveCmd) isCommand()     {}
func (cursorCmd) isCommand()    {}
func (selectionCmd) isCommand() {}
func (pingCmd) isCommand()      {}
func (editCmd) isCommand()      {}
func (fanoutCmd) isCommand()    {}
func (sessionsCmd) isCommand()  {}
func (sweepCmd) isCommand()     {}
func (stopCmd) isCommand()      {}

// documentCoordinator owns all mutable state for one document
type documentCoordinator struct {
	documentID string
	commands   chan command
	// done is closed when the coordinator goroutine exits
	done chan struct{}

	sessions map[string]*liveSession
	oplog    *collaboration.OperationLog
	view     *collaboration.DocumentView
	resolver *collaboration.Resolver

	sink    ViewSink
	cfg     Config
	logger  observability.Logger
	metrics observability.MetricsClient

	// pendingJoins counts joins admitted by the registry but not yet
	// processed; the coordinator never retires while it is non-zero.
	pendingJoins atomic.Int64

	// retire asks the registry to drop this coordinator; it reports
	// whether the registry agreed.
	retire func(*documentCoordinator) bool
}

func newDocumentCoordinator(
	documentID string,
	cfg Config,
	sink ViewSink,
	retire func(*documentCoordinator) bool,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *documentCoordinator {
	return &documentCoordinator{
		documentID: documentID,
		commands:   make(chan command, 128),
		done:       make(chan struct{}),
		sessions:   make(map[string]*liveSession),
		oplog:      collaboration.NewOperationLog(documentID),
		view:       collaboration.NewDocumentView(),
		resolver:   collaboration.NewResolver(logger, metrics),
		sink:       sink,
		cfg:        cfg,
		logger:     logger.With(map[string]interface{}{"document_id": documentID}),
		metrics:    metrics,
		retire:     retire,
	}
}

// run is the coordinator goroutine. It exits when stopped by the
// registry or after retiring on last leave.
func (c *documentCoordinator) run() {
	defer close(c.done)
	for cmd := range c.commands {
		if stop, ok := cmd.(stopCmd); ok {
			c.closeAll()
			stop.reply <- struct{}{}
			return
		}

		c.handle(cmd)

		if len(c.sessions) == 0 && c.pendingJoins.Load() == 0 {
			if c.retire(c) {
				c.drain()
				return
			}
		}
	}
}

// handle dispatches one command
func (c *documentCoordinator) handle(cmd command) {
	switch cmd := cmd.(type) {
	case joinCmd:
		cmd.reply <- c.handleJoin(cmd.participant)
	case leaveCmd:
		cmd.reply <- c.handleLeave(cmd.sessionID, "leave")
	case cursorCmd:
		cmd.reply <- c.handleCursor(cmd.sessionID, cmd.point)
	case selectionCmd:
		cmd.reply <- c.handleSelection(cmd.sessionID, cmd.rect)
	case pingCmd:
		cmd.reply <- c.touch(cmd.sessionID)
	case editCmd:
		cmd.reply <- c.handleEdit(cmd.sessionID, cmd.op)
	case fanoutCmd:
		cmd.reply <- c.fanout(cmd.event, "")
	case sessionsCmd:
		cmd.reply <- c.snapshotSessions()
	case sweepCmd:
		cmd.reply <- c.handleSweep(cmd.threshold)
	case stopCmd:
		// handled in run
	}
}

// drain answers stragglers that raced the retirement for one request
// timeout, then exits. Late joins cannot arrive here: the registry
// creates a fresh coordinator once this one is retired.
func (c *documentCoordinator) drain() {
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	for {
		select {
		case cmd := <-c.commands:
			c.refuse(cmd)
		case <-timer.C:
			return
		}
	}
}

// refuse replies to a command after retirement
func (c *documentCoordinator) refuse(cmd command) {
	switch cmd := cmd.(type) {
	case joinCmd:
		// Should not happen; reply so the caller does not hang
		c.pendingJoins.Add(-1)
		cmd.reply <- joinReply{}
	case leaveCmd:
		cmd.reply <- false
	case cursorCmd:
		cmd.reply <- models.ErrNotFound
	case selectionCmd:
		cmd.reply <- models.ErrNotFound
	case pingCmd:
		cmd.reply <- models.ErrNotFound
	case editCmd:
		cmd.reply <- editReply{err: models.ErrNotFound}
	case fanoutCmd:
		cmd.reply <- 0
	case sessionsCmd:
		cmd.reply <- nil
	case sweepCmd:
		cmd.reply <- 0
	case stopCmd:
		cmd.reply <- struct{}{}
	}
}

func (c *documentCoordinator) handleJoin(participant models.Participant) joinReply {
	defer c.pendingJoins.Add(-1)

	now := time.Now().UTC()
	session := &models.Session{
		ID:             uuid.New().String(),
		DocumentID:     c.documentID,
		Participant:    participant,
		JoinedAt:       now,
		LastActivityAt: now,
	}

	ls := &liveSession{
		session: session,
		out:     make(chan models.Event, c.cfg.OutboundQueueSize),
	}
	c.sessions[session.ID] = ls

	c.fanout(models.UserPresenceEvent{
		Action:      models.PresenceJoined,
		SessionID:   session.ID,
		Participant: participant,
	}, session.ID)

	c.metrics.IncrementCounter("sessions_joined", 1)
	c.logger.Info("Session joined", map[string]interface{}{
		"session_id":     session.ID,
		"participant_id": participant.ID,
		"session_count":  len(c.sessions),
	})

	return joinReply{
		handle: &SessionHandle{session: session.Clone(), events: ls.out},
		snapshot: &JoinSnapshot{
			ActiveSessions: c.snapshotSessions(),
			Elements:       c.view.Elements(),
			OperationCount: c.oplog.Len(),
		},
	}
}

// handleLeave removes a session. Leave is idempotent: an unknown id
// reports false and nothing else happens.
func (c *documentCoordinator) handleLeave(sessionID, cause string) bool {
	ls, ok := c.sessions[sessionID]
	if !ok {
		return false
	}

	ls.close()
	delete(c.sessions, sessionID)

	c.fanout(models.UserPresenceEvent{
		Action:      models.PresenceLeft,
		SessionID:   sessionID,
		Participant: ls.session.Participant,
	}, sessionID)

	c.metrics.IncrementCounterWithLabels("sessions_left", 1, map[string]string{"cause": cause})
	c.logger.Info("Session left", map[string]interface{}{
		"session_id":    sessionID,
		"cause":         cause,
		"session_count": len(c.sessions),
	})
	return true
}

func (c *documentCoordinator) handleCursor(sessionID string, point models.Point) error {
	ls, ok := c.sessions[sessionID]
	if !ok {
		return models.ErrNotFound
	}

	p := point
	ls.session.Cursor = &p
	ls.session.LastActivityAt = time.Now().UTC()

	c.fanout(models.CursorUpdateEvent{SessionID: sessionID, Point: point}, sessionID)
	return nil
}

func (c *documentCoordinator) handleSelection(sessionID string, rect *models.Rect) error {
	ls, ok := c.sessions[sessionID]
	if !ok {
		return models.ErrNotFound
	}

	if rect != nil {
		r := *rect
		ls.session.Selection = &r
	} else {
		ls.session.Selection = nil
	}
	ls.session.LastActivityAt = time.Now().UTC()

	c.fanout(models.SelectionUpdateEvent{SessionID: sessionID, Rect: rect}, sessionID)
	return nil
}

// touch refreshes the session activity clock
func (c *documentCoordinator) touch(sessionID string) error {
	ls, ok := c.sessions[sessionID]
	if !ok {
		return models.ErrNotFound
	}
	ls.session.LastActivityAt = time.Now().UTC()
	return nil
}

// handleEdit journals, applies and broadcasts one edit operation.
// Operations carry no session-liveness requirement: an edit racing its
// session's leave is still applied.
func (c *documentCoordinator) handleEdit(sessionID string, op *models.Operation) editReply {
	if op == nil {
		return editReply{err: models.ErrInvalidOperation}
	}

	submitted := op.Clone()
	submitted.OriginSessionID = sessionID

	stored, err := c.oplog.Append(submitted)
	if err != nil {
		return editReply{err: err}
	}

	if err := c.resolver.Apply(c.view, stored); err != nil {
		return editReply{err: err}
	}

	if c.sink != nil {
		c.sink.OperationApplied(c.documentID, stored.Clone())
	}

	if ls, ok := c.sessions[sessionID]; ok {
		ls.session.LastActivityAt = time.Now().UTC()
	}

	c.fanout(models.EditOperationEvent{Operation: stored}, sessionID)
	return editReply{op: stored}
}

func (c *documentCoordinator) handleSweep(threshold time.Duration) int {
	cutoff := time.Now().UTC().Add(-threshold)

	var stale []string
	for id, ls := range c.sessions {
		if ls.session.LastActivityAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		c.handleLeave(id, "sweep")
		c.metrics.IncrementCounter("sessions_swept", 1)
	}
	return len(stale)
}

func (c *documentCoordinator) snapshotSessions() []*models.Session {
	out := make([]*models.Session, 0, len(c.sessions))
	for _, ls := range c.sessions {
		out = append(out, ls.session.Clone())
	}
	return out
}

// closeAll closes every session stream without presence broadcasts;
// used at process shutdown.
func (c *documentCoordinator) closeAll() {
	for id, ls := range c.sessions {
		ls.close()
		delete(c.sessions, id)
	}
}
