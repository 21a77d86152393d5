// Package coordinator implements the per-document collaboration
// coordinator: session membership, presence, edit routing and event
// fanout. Each document is owned by a single goroutine that receives
// commands over a channel, so the session table, operation log and
// broadcast ordering point are mutated by exactly one writer.
package coordinator

import (
	"context"
	"time"

	"github.com/designmesh/collab/pkg/collaboration"
	"github.com/designmesh/collab/pkg/models"
)

// PermissionChecker is the external read-permission gate consulted
// before a participant joins a document.
type PermissionChecker func(ctx context.Context, participant models.Participant, documentID string) bool

// AllowAll is a PermissionChecker that admits everyone; useful for tests
// and trusted deployments where permissions are enforced upstream.
func AllowAll(ctx context.Context, participant models.Participant, documentID string) bool {
	return true
}

// ViewSink receives applied operations so the editing subsystem can fold
// them into the document state it owns. Calls are made from inside the
// document's coordinator goroutine and must not block.
type ViewSink interface {
	OperationApplied(documentID string, op *models.Operation)
}

// Config tunes the coordinator registry
type Config struct {
	// RequestTimeout bounds every Join/Leave/SendEvent call
	RequestTimeout time.Duration
	// SessionTimeout is the inactivity threshold for SweepInactive
	SessionTimeout time.Duration
	// SweepInterval is how often Run sweeps inactive sessions
	SweepInterval time.Duration
	// OutboundQueueSize is the per-session event buffer
	OutboundQueueSize int
	// EditSendTimeout is how long a non-droppable event waits on a full
	// recipient queue before that recipient is disconnected
	EditSendTimeout time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		RequestTimeout:    5 * time.Second,
		SessionTimeout:    30 * time.Minute,
		SweepInterval:     time.Minute,
		OutboundQueueSize: 64,
		EditSendTimeout:   time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = d.OutboundQueueSize
	}
	if c.EditSendTimeout <= 0 {
		c.EditSendTimeout = d.EditSendTimeout
	}
	return c
}

// SessionHandle is what a transport holds for one joined session. Events
// pushed to the session arrive on Events; the channel is closed when the
// session leaves, is swept, or is disconnected as a slow consumer.
type SessionHandle struct {
	session *models.Session
	events  <-chan models.Event
}

// Session returns a copy of the session at join time
func (h *SessionHandle) Session() *models.Session {
	return h.session.Clone()
}

// ID returns the session id
func (h *SessionHandle) ID() string {
	return h.session.ID
}

// Events returns the push event stream for this session
func (h *SessionHandle) Events() <-chan models.Event {
	return h.events
}

// JoinSnapshot is returned from Join so a late joiner converges without
// replaying history: the current participants and the materialized view.
type JoinSnapshot struct {
	ActiveSessions []*models.Session
	Elements       map[string]*collaboration.Element
	OperationCount int
}

// liveSession is the coordinator-owned state for one session
type liveSession struct {
	session *models.Session
	out     chan models.Event
	closed  bool
}

// close closes the outbound channel once
func (ls *liveSession) close() {
	if !ls.closed {
		ls.closed = true
		close(ls.out)
	}
}
