package websocket

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/designmesh/collab/pkg/models"
	"github.com/designmesh/collab/pkg/review"
)

type joinParams struct {
	DocumentID  string             `json:"document_id"`
	Participant models.Participant `json:"participant"`
}

type cursorParams struct {
	Point models.Point `json:"point"`
}

type selectionParams struct {
	Rect *models.Rect `json:"rect"`
}

type operationParams struct {
	Kind            models.OperationKind   `json:"kind"`
	TargetElementID string                 `json:"target_element_id"`
	Payload         map[string]interface{} `json:"payload"`
}

type reviewIDParams struct {
	ReviewID string `json:"review_id"`
}

type reviewListParams struct {
	DocumentID string `json:"document_id"`
}

type reviewCommentParams struct {
	ReviewID string              `json:"review_id"`
	Comment  review.CommentInput `json:"comment"`
}

type reviewResolveParams struct {
	ReviewID  string `json:"review_id"`
	CommentID string `json:"comment_id"`
}

// dispatch routes one request frame and produces its response
func (s *Server) dispatch(ctx context.Context, c *Connection, msg *Message) Response {
	s.metrics.IncrementCounterWithLabels("ws_requests", 1, map[string]string{"method": msg.Method})

	var (
		result interface{}
		err    error
	)
	switch msg.Method {
	case MethodJoin:
		result, err = s.handleJoin(ctx, c, msg.Params)
	case MethodLeave:
		result, err = s.handleLeave(ctx, c)
	case MethodCursor:
		result, err = s.handleCursor(ctx, c, msg.Params)
	case MethodSelection:
		result, err = s.handleSelection(ctx, c, msg.Params)
	case MethodOperation:
		result, err = s.handleOperation(ctx, c, msg.Params)
	case MethodPing:
		result, err = s.handlePing(ctx, c)
	case MethodSessions:
		result, err = s.handleSessions(ctx, c)
	case MethodReviewCreate:
		result, err = s.handleReviewCreate(ctx, c, msg.Params)
	case MethodReviewGet:
		result, err = s.handleReviewGet(ctx, msg.Params)
	case MethodReviewList:
		result, err = s.handleReviewList(ctx, msg.Params)
	case MethodReviewComment:
		result, err = s.handleReviewComment(ctx, c, msg.Params)
	case MethodReviewResolve:
		result, err = s.handleReviewResolve(ctx, c, msg.Params)
	case MethodReviewClose:
		result, err = s.handleReviewClose(ctx, c, msg.Params)
	default:
		err = errors.Wrapf(models.ErrInvalidOperation, "unknown method %q", msg.Method)
	}

	if err != nil {
		s.metrics.IncrementCounterWithLabels("ws_request_errors", 1, map[string]string{"method": msg.Method})
		return errorResponse(msg.ID, err)
	}
	return Response{ID: msg.ID, Result: result}
}

func decodeParams(params json.RawMessage, dest interface{}) error {
	if len(params) == 0 {
		return errors.Wrap(models.ErrInvalidOperation, "missing params")
	}
	if err := json.Unmarshal(params, dest); err != nil {
		return errors.Wrap(models.ErrInvalidOperation, "malformed params")
	}
	return nil
}

// joined returns the connection's attached session or the error a
// session-scoped method reports without one.
func (c *Connection) joined() (string, string, string, error) {
	documentID, handle, ok := c.session()
	if !ok {
		return "", "", "", errors.Wrap(models.ErrInvalidOperation, "no joined session on this connection")
	}
	return documentID, handle.ID(), handle.Session().Participant.ID, nil
}

func (s *Server) handleJoin(ctx context.Context, c *Connection, params json.RawMessage) (interface{}, error) {
	var p joinParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if _, _, ok := c.session(); ok {
		return nil, errors.Wrap(models.ErrInvalidOperation, "connection already joined a document")
	}

	handle, snapshot, err := s.registry.Join(ctx, p.DocumentID, p.Participant)
	if err != nil {
		return nil, err
	}
	if !c.attach(p.DocumentID, handle) {
		// Lost a race with a concurrent join on the same connection
		_, _ = s.registry.Leave(ctx, p.DocumentID, handle.ID())
		return nil, errors.Wrap(models.ErrInvalidOperation, "connection already joined a document")
	}

	return map[string]interface{}{
		"session_id":      handle.ID(),
		"active_sessions": snapshot.ActiveSessions,
		"elements":        snapshot.Elements,
		"operation_count": snapshot.OperationCount,
	}, nil
}

func (s *Server) handleLeave(ctx context.Context, c *Connection) (interface{}, error) {
	documentID, handle, ok := c.session()
	if !ok {
		return map[string]interface{}{"left": false}, nil
	}

	// Detach only after the registry confirms the leave; a timed-out
	// leave keeps the attachment so the disconnect path retries it.
	left, err := s.registry.Leave(ctx, documentID, handle.ID())
	if err != nil {
		return nil, err
	}
	c.clear(handle)
	return map[string]interface{}{"left": left}, nil
}

func (s *Server) handleCursor(ctx context.Context, c *Connection, params json.RawMessage) (interface{}, error) {
	var p cursorParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	documentID, sessionID, _, err := c.joined()
	if err != nil {
		return nil, err
	}
	if err := s.registry.UpdateCursor(ctx, documentID, sessionID, p.Point); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

func (s *Server) handleSelection(ctx context.Context, c *Connection, params json.RawMessage) (interface{}, error) {
	var p selectionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	documentID, sessionID, _, err := c.joined()
	if err != nil {
		return nil, err
	}
	if err := s.registry.UpdateSelection(ctx, documentID, sessionID, p.Rect); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

func (s *Server) handleOperation(ctx context.Context, c *Connection, params json.RawMessage) (interface{}, error) {
	var p operationParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	documentID, sessionID, _, err := c.joined()
	if err != nil {
		return nil, err
	}

	op := &models.Operation{
		Kind:            p.Kind,
		TargetElementID: p.TargetElementID,
		Payload:         p.Payload,
	}
	stored, err := s.registry.SubmitOperation(ctx, documentID, sessionID, op)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"operation": stored}, nil
}

func (s *Server) handlePing(ctx context.Context, c *Connection) (interface{}, error) {
	documentID, sessionID, _, err := c.joined()
	if err != nil {
		return nil, err
	}
	if err := s.registry.Ping(ctx, documentID, sessionID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

func (s *Server) handleSessions(ctx context.Context, c *Connection) (interface{}, error) {
	documentID, _, _, err := c.joined()
	if err != nil {
		return nil, err
	}
	sessions, err := s.registry.ActiveSessions(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"sessions": sessions}, nil
}

func (s *Server) handleReviewCreate(ctx context.Context, c *Connection, params json.RawMessage) (interface{}, error) {
	var req review.CreateReviewRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	documentID, _, participantID, err := c.joined()
	if err != nil {
		return nil, err
	}
	req.DocumentID = documentID
	req.CreatorID = participantID

	created, err := s.reviews.CreateReview(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"review": created}, nil
}

func (s *Server) handleReviewGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p reviewIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	loaded, err := s.reviews.GetReview(ctx, p.ReviewID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"review": loaded}, nil
}

func (s *Server) handleReviewList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p reviewListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	reviews, err := s.reviews.ListReviews(ctx, p.DocumentID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"reviews": reviews}, nil
}

func (s *Server) handleReviewComment(ctx context.Context, c *Connection, params json.RawMessage) (interface{}, error) {
	var p reviewCommentParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	_, _, participantID, err := c.joined()
	if err != nil {
		return nil, err
	}
	comment, err := s.reviews.AddComment(ctx, p.ReviewID, participantID, p.Comment)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"comment": comment}, nil
}

func (s *Server) handleReviewResolve(ctx context.Context, c *Connection, params json.RawMessage) (interface{}, error) {
	var p reviewResolveParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	_, _, participantID, err := c.joined()
	if err != nil {
		return nil, err
	}
	comment, err := s.reviews.ResolveComment(ctx, p.ReviewID, participantID, p.CommentID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"comment": comment}, nil
}

func (s *Server) handleReviewClose(ctx context.Context, c *Connection, params json.RawMessage) (interface{}, error) {
	var p reviewIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	_, _, participantID, err := c.joined()
	if err != nil {
		return nil, err
	}
	closed, err := s.reviews.CloseReview(ctx, p.ReviewID, participantID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"review": closed}, nil
}
