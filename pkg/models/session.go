// Package models holds the shared data model of the collaboration
// coordinator: sessions, edit operations, design reviews and the push
// event types delivered to connected clients.
package models

import "time"

// Participant is a snapshot of the user identity behind a session.
// It is captured at join time and never refreshed for the session's lifetime.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Point is a cursor position on the document canvas
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is a selection rectangle on the document canvas
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Session is one live participant connection to a document. A session
// belongs to exactly one document for its lifetime; rejoining the same
// document creates a new session identity, so a participant editing in
// two tabs holds two sessions.
type Session struct {
	ID             string      `json:"id"`
	DocumentID     string      `json:"document_id"`
	Participant    Participant `json:"participant"`
	JoinedAt       time.Time   `json:"joined_at"`
	LastActivityAt time.Time   `json:"last_activity_at"`
	Cursor         *Point      `json:"cursor,omitempty"`
	Selection      *Rect       `json:"selection,omitempty"`
}

// Clone returns a deep copy safe to hand outside the owning coordinator
func (s *Session) Clone() *Session {
	cp := *s
	if s.Cursor != nil {
		cursor := *s.Cursor
		cp.Cursor = &cursor
	}
	if s.Selection != nil {
		selection := *s.Selection
		cp.Selection = &selection
	}
	return &cp
}
