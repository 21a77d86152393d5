package websocket

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/designmesh/collab/pkg/models"
)

// Request methods accepted over the collaboration socket
const (
	MethodJoin      = "collaboration.join"
	MethodLeave     = "collaboration.leave"
	MethodCursor    = "collaboration.cursor"
	MethodSelection = "collaboration.selection"
	MethodOperation = "collaboration.operation"
	MethodPing      = "collaboration.ping"
	MethodSessions  = "collaboration.sessions"

	MethodReviewCreate  = "review.create"
	MethodReviewGet     = "review.get"
	MethodReviewList    = "review.list"
	MethodReviewComment = "review.comment"
	MethodReviewResolve = "review.resolve"
	MethodReviewClose   = "review.close"
)

// Error codes returned in Response.Error
const (
	ErrCodeInvalidRequest = 4000
	ErrCodeUnauthorized   = 4001
	ErrCodeNotFound       = 4004
	ErrCodeTimeout        = 4008
	ErrCodeRateLimited    = 4029
	ErrCodeUnavailable    = 4503
	ErrCodeInternal       = 4500
)

// Message is a client request frame
type Message struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a request frame by id
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *WireError  `json:"error,omitempty"`
}

// WireError is the error payload of a failed request
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Notification is a server push frame carrying an event envelope
type Notification struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// errorCode maps the domain error taxonomy onto wire codes
func errorCode(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidOperation):
		return ErrCodeInvalidRequest
	case errors.Is(err, models.ErrNotAuthorized):
		return ErrCodeUnauthorized
	case errors.Is(err, models.ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, models.ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, models.ErrDocumentUnavailable):
		return ErrCodeUnavailable
	default:
		return ErrCodeInternal
	}
}

func errorResponse(id string, err error) Response {
	return Response{ID: id, Error: &WireError{Code: errorCode(err), Message: err.Error()}}
}
