package models

import "encoding/json"

// Event is the closed set of push events delivered to connected
// sessions. Each variant carries its own payload; the unexported marker
// keeps the set closed so dispatch switches stay exhaustive.
type Event interface {
	// EventName is the wire tag of the event
	EventName() string
	isEvent()
}

// PresenceAction distinguishes join from leave in presence events
type PresenceAction string

// Presence actions
const (
	PresenceJoined PresenceAction = "joined"
	PresenceLeft   PresenceAction = "left"
)

// UserPresenceEvent announces a participant joining or leaving a document
type UserPresenceEvent struct {
	Action      PresenceAction `json:"action"`
	SessionID   string         `json:"session_id"`
	Participant Participant    `json:"participant"`
}

// CursorUpdateEvent carries a session's latest cursor position
type CursorUpdateEvent struct {
	SessionID string `json:"session_id"`
	Point     Point  `json:"point"`
}

// SelectionUpdateEvent carries a session's latest selection; a nil Rect
// clears the selection
type SelectionUpdateEvent struct {
	SessionID string `json:"session_id"`
	Rect      *Rect  `json:"rect"`
}

// EditOperationEvent carries an applied edit operation
type EditOperationEvent struct {
	Operation *Operation `json:"operation"`
}

// ReviewCreatedEvent announces a new design review on the document
type ReviewCreatedEvent struct {
	Review *DesignReview `json:"review"`
}

// ReviewCommentEvent announces a new comment on a review
type ReviewCommentEvent struct {
	ReviewID string   `json:"review_id"`
	Comment  *Comment `json:"comment"`
}

// ReviewStatusEvent announces a review status transition
type ReviewStatusEvent struct {
	ReviewID string       `json:"review_id"`
	Status   ReviewStatus `json:"status"`
}

// EventName implements Event
func (UserPresenceEvent) EventName() string { return "user-presence" }

// EventName implements Event
func (CursorUpdateEvent) EventName() string { return "cursor-update" }

// EventName implements Event
func (SelectionUpdateEvent) EventName() string { return "selection-update" }

// EventName implements Event
func (EditOperationEvent) EventName() string { return "edit-operation" }

// EventName implements Event
func (ReviewCreatedEvent) EventName() string { return "review-created" }

// EventName implements Event
func (ReviewCommentEvent) EventName() string { return "review-comment" }

// EventName implements Event
func (ReviewStatusEvent) EventName() string { return "review-status" }

func (UserPresenceEvent) isEvent()    {}
func (CursorUpdateEvent) isEvent()    {}
func (SelectionUpdateEvent) isEvent() {}
func (EditOperationEvent) isEvent()   {}
func (ReviewCreatedEvent) isEvent()   {}
func (ReviewCommentEvent) isEvent()   {}
func (ReviewStatusEvent) isEvent()    {}

// Droppable reports whether the event may be dropped when a recipient's
// outbound queue is full. High-frequency presence traffic tolerates
// drops; edit operations and review notifications must not be lost.
func Droppable(e Event) bool {
	switch e.(type) {
	case UserPresenceEvent, CursorUpdateEvent, SelectionUpdateEvent:
		return true
	case EditOperationEvent, ReviewCreatedEvent, ReviewCommentEvent, ReviewStatusEvent:
		return false
	}
	return false
}

// EncodeEvent marshals an event as a tagged envelope for the wire
func EncodeEvent(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	envelope := struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}{Event: e.EventName(), Data: payload}
	return json.Marshal(envelope)
}
