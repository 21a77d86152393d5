package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/designmesh/collab/pkg/coordinator"
	"github.com/designmesh/collab/pkg/models"
	"github.com/designmesh/collab/pkg/observability"
)

const sendQueueSize = 64

// Connection is one client socket. A connection may join at most one
// document at a time; the joined session's event stream is bridged onto
// the socket as notification frames.
type Connection struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	limiter *rate.Limiter
	logger  observability.Logger

	send chan []byte
	// closeOnce guards the send channel against double close
	closeOnce sync.Once

	mu         sync.Mutex
	documentID string
	handle     *coordinator.SessionHandle
}

func newConnection(conn *websocket.Conn, server *Server) *Connection {
	id := uuid.New().String()
	return &Connection{
		id:      id,
		conn:    conn,
		server:  server,
		limiter: rate.NewLimiter(rate.Limit(server.cfg.RateLimit), server.cfg.RateBurst),
		logger:  server.logger.With(map[string]interface{}{"connection_id": id}),
		send:    make(chan []byte, sendQueueSize),
	}
}

// serve runs the read loop until the client disconnects, with the write
// pump alongside. It always detaches the session on the way out.
func (c *Connection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	defer c.detach(ctx)
	defer c.closeSend()

	for {
		var msg Message
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			if ctx.Err() == nil {
				c.logger.Debug("Read failed, closing connection", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}

		if !c.limiter.Allow() {
			c.server.metrics.IncrementCounter("ws_rate_limited", 1)
			c.reply(Response{ID: msg.ID, Error: &WireError{
				Code:    ErrCodeRateLimited,
				Message: "rate limit exceeded",
			}})
			continue
		}

		c.reply(c.server.dispatch(ctx, c, &msg))
	}
}

func (c *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, c.server.cfg.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("Write failed", map[string]interface{}{"error": err.Error()})
				}
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.server.cfg.WriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// reply queues a response frame
func (c *Connection) reply(resp Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("Failed to marshal response", map[string]interface{}{"error": err.Error()})
		return
	}
	c.enqueue(frame)
}

// enqueue queues a frame for the write pump. A client that cannot keep
// up with its own socket buffer is disconnected rather than stalling
// the caller.
func (c *Connection) enqueue(frame []byte) {
	defer func() {
		// Losing the race with closeSend is fine, the client is gone
		_ = recover()
	}()
	select {
	case c.send <- frame:
	default:
		c.server.metrics.IncrementCounter("ws_send_overflow", 1)
		c.logger.Warn("Send queue overflow, disconnecting client", nil)
		_ = c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
	}
}

// attach records the joined session and bridges its event stream onto
// the socket. It fails if the connection already has a session.
func (c *Connection) attach(documentID string, handle *coordinator.SessionHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil {
		return false
	}
	c.documentID = documentID
	c.handle = handle

	go c.pumpEvents(handle)
	return true
}

// pumpEvents forwards coordinator events until the session's stream is
// closed by a leave, a sweep or a slow-consumer disconnect.
func (c *Connection) pumpEvents(handle *coordinator.SessionHandle) {
	for event := range handle.Events() {
		frame, err := models.EncodeEvent(event)
		if err != nil {
			c.logger.Error("Failed to encode event", map[string]interface{}{
				"event": event.EventName(),
				"error": err.Error(),
			})
			continue
		}
		c.enqueue(frame)
	}

	c.mu.Lock()
	stillAttached := c.handle == handle
	if stillAttached {
		c.handle = nil
		c.documentID = ""
	}
	c.mu.Unlock()

	if stillAttached {
		// The coordinator ended the session; tell the client
		frame, err := models.EncodeEvent(models.UserPresenceEvent{
			Action:    models.PresenceLeft,
			SessionID: handle.ID(),
		})
		if err == nil {
			c.enqueue(frame)
		}
	}
}

// session returns the attached session, if any
func (c *Connection) session() (documentID string, handle *coordinator.SessionHandle, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentID, c.handle, c.handle != nil
}

// clear drops the attachment if it still points at handle
func (c *Connection) clear(handle *coordinator.SessionHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == handle {
		c.handle = nil
		c.documentID = ""
	}
}

// detach leaves the joined session when the socket goes away
func (c *Connection) detach(ctx context.Context) {
	documentID, handle, ok := c.session()
	if !ok {
		return
	}
	c.clear(handle)

	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := c.server.registry.Leave(leaveCtx, documentID, handle.ID()); err != nil {
		c.logger.Warn("Failed to leave session on disconnect", map[string]interface{}{
			"document_id": documentID,
			"session_id":  handle.ID(),
			"error":       err.Error(),
		})
	}
}

func (c *Connection) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}
