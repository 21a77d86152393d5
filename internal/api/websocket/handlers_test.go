package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/designmesh/collab/pkg/common/config"
	"github.com/designmesh/collab/pkg/coordinator"
	"github.com/designmesh/collab/pkg/models"
	"github.com/designmesh/collab/pkg/observability"
	"github.com/designmesh/collab/pkg/review"
)

// memoryReviewRepository keeps reviews in memory for gateway tests
type memoryReviewRepository struct {
	mu       sync.Mutex
	reviews  map[string]*models.DesignReview
	comments map[string]*models.Comment
}

func newMemoryReviewRepository() *memoryReviewRepository {
	return &memoryReviewRepository{
		reviews:  make(map[string]*models.DesignReview),
		comments: make(map[string]*models.Comment),
	}
}

func (m *memoryReviewRepository) CreateReview(ctx context.Context, r *models.DesignReview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *r
	m.reviews[r.ID] = &clone
	return nil
}

func (m *memoryReviewRepository) GetReview(ctx context.Context, reviewID string) (*models.DesignReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[reviewID]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "review %s", reviewID)
	}
	clone := *r
	for _, c := range m.comments {
		if c.ReviewID == reviewID {
			cc := *c
			clone.Comments = append(clone.Comments, &cc)
		}
	}
	return &clone, nil
}

func (m *memoryReviewRepository) ListReviews(ctx context.Context, documentID string) ([]*models.DesignReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DesignReview
	for _, r := range m.reviews {
		if r.DocumentID == documentID {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memoryReviewRepository) UpdateReviewStatus(ctx context.Context, reviewID string, status models.ReviewStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[reviewID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "review %s", reviewID)
	}
	r.Status = status
	return nil
}

func (m *memoryReviewRepository) AddComment(ctx context.Context, c *models.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *c
	m.comments[c.ID] = &clone
	return nil
}

func (m *memoryReviewRepository) ResolveComment(ctx context.Context, commentID string) (*models.Comment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[commentID]
	if !ok {
		return nil, false, errors.Wrapf(models.ErrNotFound, "comment %s", commentID)
	}
	changed := !c.Resolved
	c.Resolved = true
	clone := *c
	return &clone, changed, nil
}

// client is a test websocket client that demultiplexes responses from
// event notifications.
type client struct {
	t    *testing.T
	conn *websocket.Conn

	mu            sync.Mutex
	responses     map[string]Response
	notifications []Notification
	nextID        int
	closed        chan struct{}
}

func dialClient(t *testing.T, url string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, strings.Replace(url, "http", "ws", 1)+"/ws", nil)
	require.NoError(t, err)

	c := &client{
		t:         t,
		conn:      conn,
		responses: make(map[string]Response),
		closed:    make(chan struct{}),
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	go c.readLoop()
	return c
}

func (c *client) readLoop() {
	defer close(c.closed)
	for {
		var frame map[string]json.RawMessage
		if err := wsjson.Read(context.Background(), c.conn, &frame); err != nil {
			return
		}
		raw, _ := json.Marshal(frame)

		if _, isEvent := frame["event"]; isEvent {
			var n Notification
			if json.Unmarshal(raw, &n) == nil {
				c.mu.Lock()
				c.notifications = append(c.notifications, n)
				c.mu.Unlock()
			}
			continue
		}
		var resp Response
		if json.Unmarshal(raw, &resp) == nil {
			c.mu.Lock()
			c.responses[resp.ID] = resp
			c.mu.Unlock()
		}
	}
}

func (c *client) call(method string, params interface{}) Response {
	c.t.Helper()
	c.mu.Lock()
	c.nextID++
	id := fmt.Sprintf("%s-%d", method, c.nextID)
	c.mu.Unlock()

	msg := Message{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(c.t, err)
		msg.Params = raw
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, wsjson.Write(ctx, c.conn, msg))

	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		resp, ok := c.responses[id]
		c.mu.Unlock()
		if ok {
			return resp
		}
		select {
		case <-deadline:
			c.t.Fatalf("no response for %s", method)
			return Response{}
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *client) waitForEvent(name string) Notification {
	c.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		for _, n := range c.notifications {
			if n.Event == name {
				c.mu.Unlock()
				return n
			}
		}
		c.mu.Unlock()
		select {
		case <-deadline:
			c.t.Fatalf("event %s not received", name)
			return Notification{}
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func resultField(t *testing.T, resp Response, key string) interface{} {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	m, ok := resp.Result.(map[string]interface{})
	require.True(t, ok, "result is not an object: %T", resp.Result)
	return m[key]
}

func newTestServer(t *testing.T) (*httptest.Server, *coordinator.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := observability.NewNoopLogger()
	metrics := observability.NewNoOpMetricsClient()

	registry := coordinator.NewRegistry(coordinator.Config{}, nil, nil, logger, metrics)
	t.Cleanup(registry.Close)

	reviews, err := review.NewService(newMemoryReviewRepository(), registry, nil, logger, metrics)
	require.NoError(t, err)

	server := NewServer(registry, reviews, config.WebSocketConfig{
		PingInterval:   time.Second,
		WriteTimeout:   5 * time.Second,
		MaxMessageSize: 1 << 20,
		RateLimit:      1000,
		RateBurst:      1000,
	}, nil, logger, metrics)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts, registry
}

func TestGatewayCollaboration(t *testing.T) {
	ts, _ := newTestServer(t)

	alice := dialClient(t, ts.URL)
	resp := alice.call(MethodJoin, joinParams{
		DocumentID:  "doc-1",
		Participant: models.Participant{ID: "alice", Name: "Alice"},
	})
	sessionID, _ := resultField(t, resp, "session_id").(string)
	require.NotEmpty(t, sessionID)

	t.Run("second join on the same connection is rejected", func(t *testing.T) {
		resp := alice.call(MethodJoin, joinParams{
			DocumentID:  "doc-2",
			Participant: models.Participant{ID: "alice"},
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
	})

	bob := dialClient(t, ts.URL)
	resp = bob.call(MethodJoin, joinParams{
		DocumentID:  "doc-1",
		Participant: models.Participant{ID: "bob", Name: "Bob"},
	})
	sessions, _ := resultField(t, resp, "active_sessions").([]interface{})
	assert.Len(t, sessions, 2)

	t.Run("presence reaches the other client", func(t *testing.T) {
		n := alice.waitForEvent("user-presence")
		var presence models.UserPresenceEvent
		require.NoError(t, json.Unmarshal(n.Data, &presence))
		assert.Equal(t, models.PresenceJoined, presence.Action)
		assert.Equal(t, "bob", presence.Participant.ID)
	})

	t.Run("cursor updates flow between clients", func(t *testing.T) {
		resp := bob.call(MethodCursor, cursorParams{Point: models.Point{X: 5, Y: 7}})
		require.Nil(t, resp.Error)

		n := alice.waitForEvent("cursor-update")
		var cursor models.CursorUpdateEvent
		require.NoError(t, json.Unmarshal(n.Data, &cursor))
		assert.Equal(t, float64(5), cursor.Point.X)
	})

	t.Run("operations are stamped and broadcast", func(t *testing.T) {
		resp := bob.call(MethodOperation, operationParams{
			Kind:            models.OpCreate,
			TargetElementID: "el-1",
			Payload:         map[string]interface{}{"type": "text"},
		})
		op, _ := resultField(t, resp, "operation").(map[string]interface{})
		require.NotNil(t, op)
		assert.NotEmpty(t, op["id"])

		n := alice.waitForEvent("edit-operation")
		var edit models.EditOperationEvent
		require.NoError(t, json.Unmarshal(n.Data, &edit))
		assert.Equal(t, "el-1", edit.Operation.TargetElementID)
	})

	t.Run("late joiner receives the materialized view", func(t *testing.T) {
		carol := dialClient(t, ts.URL)
		resp := carol.call(MethodJoin, joinParams{
			DocumentID:  "doc-1",
			Participant: models.Participant{ID: "carol"},
		})
		elements, _ := resultField(t, resp, "elements").(map[string]interface{})
		assert.Contains(t, elements, "el-1")

		resp = carol.call(MethodLeave, nil)
		left, _ := resultField(t, resp, "left").(bool)
		assert.True(t, left)
	})

	t.Run("methods before join are rejected", func(t *testing.T) {
		dave := dialClient(t, ts.URL)
		resp := dave.call(MethodCursor, cursorParams{})
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := alice.call("collaboration.dance", nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
	})
}

func TestGatewayReviews(t *testing.T) {
	ts, _ := newTestServer(t)

	alice := dialClient(t, ts.URL)
	resp := alice.call(MethodJoin, joinParams{
		DocumentID:  "doc-1",
		Participant: models.Participant{ID: "alice", Name: "Alice"},
	})
	require.Nil(t, resp.Error)

	bob := dialClient(t, ts.URL)
	resp = bob.call(MethodJoin, joinParams{
		DocumentID:  "doc-1",
		Participant: models.Participant{ID: "bob", Name: "Bob"},
	})
	require.Nil(t, resp.Error)

	resp = alice.call(MethodReviewCreate, review.CreateReviewRequest{
		Title:       "Header review",
		ReviewerIDs: []string{"bob"},
	})
	created, _ := resultField(t, resp, "review").(map[string]interface{})
	require.NotNil(t, created)
	reviewID, _ := created["id"].(string)
	require.NotEmpty(t, reviewID)

	t.Run("creation reaches the document's sessions", func(t *testing.T) {
		n := bob.waitForEvent("review-created")
		var created models.ReviewCreatedEvent
		require.NoError(t, json.Unmarshal(n.Data, &created))
		assert.Equal(t, reviewID, created.Review.ID)
	})

	t.Run("reviewer comments and the room hears it", func(t *testing.T) {
		resp := bob.call(MethodReviewComment, reviewCommentParams{
			ReviewID: reviewID,
			Comment:  review.CommentInput{Body: "logo feels small", X: 3, Y: 4},
		})
		comment, _ := resultField(t, resp, "comment").(map[string]interface{})
		require.NotNil(t, comment)

		n := alice.waitForEvent("review-comment")
		var event models.ReviewCommentEvent
		require.NoError(t, json.Unmarshal(n.Data, &event))
		assert.Equal(t, "logo feels small", event.Comment.Body)
	})

	t.Run("only the creator may close", func(t *testing.T) {
		resp := bob.call(MethodReviewClose, reviewIDParams{ReviewID: reviewID})
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeUnauthorized, resp.Error.Code)

		// The rejected close must not change the review
		resp = bob.call(MethodReviewGet, reviewIDParams{ReviewID: reviewID})
		still, _ := resultField(t, resp, "review").(map[string]interface{})
		require.NotNil(t, still)
		assert.Equal(t, "open", still["status"])

		resp = alice.call(MethodReviewClose, reviewIDParams{ReviewID: reviewID})
		closed, _ := resultField(t, resp, "review").(map[string]interface{})
		assert.Equal(t, "closed", closed["status"])
	})

	t.Run("listing by document", func(t *testing.T) {
		resp := alice.call(MethodReviewList, reviewListParams{DocumentID: "doc-1"})
		reviews, _ := resultField(t, resp, "reviews").([]interface{})
		assert.Len(t, reviews, 1)
	})
}

func TestGatewayLeaveTimeoutKeepsSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	logger := observability.NewNoopLogger()
	metrics := observability.NewNoOpMetricsClient()

	registry := coordinator.NewRegistry(coordinator.Config{
		OutboundQueueSize: 2,
		EditSendTimeout:   400 * time.Millisecond,
		RequestTimeout:    50 * time.Millisecond,
	}, nil, nil, logger, metrics)
	t.Cleanup(registry.Close)

	reviews, err := review.NewService(newMemoryReviewRepository(), registry, nil, logger, metrics)
	require.NoError(t, err)
	srv := NewServer(registry, reviews, config.WebSocketConfig{
		PingInterval:   time.Second,
		WriteTimeout:   5 * time.Second,
		MaxMessageSize: 1 << 20,
		RateLimit:      1000,
		RateBurst:      1000,
	}, nil, logger, metrics)

	// alice never reads so edits can stall the coordinator; bob's
	// session is bridged onto the connection under test
	_, _, err = registry.Join(ctx, "doc-1", models.Participant{ID: "alice"})
	require.NoError(t, err)
	hb, _, err := registry.Join(ctx, "doc-1", models.Participant{ID: "bob"})
	require.NoError(t, err)

	conn := &Connection{
		id:     "test",
		server: srv,
		logger: logger,
		send:   make(chan []byte, sendQueueSize),
	}
	t.Cleanup(conn.closeSend)
	go func() {
		for range conn.send {
		}
	}()
	require.True(t, conn.attach("doc-1", hb))

	// Fill alice's queue, then stall the coordinator in the edit
	// delivery grace
	_, err = registry.SubmitOperation(ctx, "doc-1", hb.ID(), &models.Operation{
		Kind:            models.OpCreate,
		TargetElementID: "el-1",
		Payload:         map[string]interface{}{"type": "rectangle"},
	})
	require.NoError(t, err)
	go func() {
		_, _ = registry.SubmitOperation(ctx, "doc-1", hb.ID(), &models.Operation{
			Kind:            models.OpCreate,
			TargetElementID: "el-2",
			Payload:         map[string]interface{}{"type": "rectangle"},
		})
	}()
	time.Sleep(20 * time.Millisecond)

	// The leave times out behind the stall; the connection must stay
	// attached so the disconnect path can retry it
	_, err = srv.handleLeave(ctx, conn)
	require.ErrorIs(t, err, models.ErrTimeout)
	_, _, attached := conn.session()
	assert.True(t, attached)

	// The queued leave lands once the stall ends, closing the stream
	// and detaching the connection
	require.Eventually(t, func() bool {
		_, _, attached := conn.session()
		return !attached
	}, 2*time.Second, 20*time.Millisecond)

	result, err := srv.handleLeave(ctx, conn)
	require.NoError(t, err)
	left, _ := result.(map[string]interface{})["left"].(bool)
	assert.False(t, left)
}
