package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/common/logger"
	ws "github.com/devcrew/devcrew/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	sendBufferSize = 256
)

// Client represents a single WebSocket connection
type Client struct {
	ID   string
	conn *gorillaws.Conn
	hub  *Hub
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	logger *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *gorillaws.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Close marks the client closed and shuts down the connection. Safe
// to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// trySend queues outbound bytes without blocking. It fails when the
// client is closed or its buffer is full; the hub drops the socket on
// failure.
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump(ctx context.Context) {
	defer c.hub.Disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// subscribeRequest is the payload for project.subscribe and
// project.unsubscribe.
type subscribeRequest struct {
	ProjectID string `json:"project_id"`
}

// handleMessage processes an incoming message
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	// Room membership needs the client itself; everything else goes
	// through the dispatcher.
	switch msg.Action {
	case ws.ActionProjectSubscribe:
		c.handleSubscribe(msg)
		return
	case ws.ActionProjectUnsubscribe:
		c.hub.mu.Lock()
		if projectID, ok := c.hub.membership[c]; ok {
			c.hub.leaveLocked(c, projectID)
		}
		c.hub.mu.Unlock()
		c.respondOK(msg, map[string]interface{}{"success": true})
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

func (c *Client) handleSubscribe(msg *ws.Message) {
	var req subscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.ProjectID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "project_id is required", nil)
		return
	}

	c.hub.Connect(c, req.ProjectID)
	c.respondOK(msg, map[string]interface{}{
		"success":    true,
		"project_id": req.ProjectID,
	})
}

func (c *Client) respondOK(msg *ws.Message, payload map[string]interface{}) {
	resp, _ := ws.NewResponse(msg.ID, msg.Action, payload)
	c.sendMessage(resp)
}

// sendMessage sends a message to the client
func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.logger.Warn("client send buffer full")
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps queued messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(gorillaws.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(gorillaws.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
