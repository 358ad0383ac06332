// Package websocket fans project activity out to connected browsers.
// Every project has a room; lifecycle, board, and conversation events
// for a project are broadcast to its room's sockets.
package websocket

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/common/logger"
	ws "github.com/devcrew/devcrew/pkg/websocket"
)

// CleanupFunc runs when a project's room empties out, so the caller
// can clear per-project presence state such as active-agent markers.
type CleanupFunc func(projectID string)

// room is the socket set for one project. Each room owns its own
// lock; broadcasts to different projects do not contend.
type room struct {
	mu      sync.Mutex
	clients map[*Client]bool
}

// Hub tracks project rooms and routes messages to them. A socket
// belongs to at most one room at a time.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]*room
	membership map[*Client]string

	dispatcher *ws.Dispatcher
	onEmpty    CleanupFunc
	logger     *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		rooms:      make(map[string]*room),
		membership: make(map[*Client]string),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// SetCleanupFunc installs the empty-room hook.
func (h *Hub) SetCleanupFunc(fn CleanupFunc) {
	h.onEmpty = fn
}

// Dispatcher returns the message dispatcher for incoming requests.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}

// Connect places a socket in a project's room. A socket already in
// another room is moved; joining its current room is a no-op.
func (h *Hub) Connect(c *Client, projectID string) {
	h.mu.Lock()
	current, ok := h.membership[c]
	if ok && current == projectID {
		h.mu.Unlock()
		return
	}
	if ok {
		h.leaveLocked(c, current)
	}
	r, exists := h.rooms[projectID]
	if !exists {
		r = &room{clients: make(map[*Client]bool)}
		h.rooms[projectID] = r
	}
	h.membership[c] = projectID
	h.mu.Unlock()

	r.mu.Lock()
	r.clients[c] = true
	r.mu.Unlock()

	h.logger.Debug("socket joined room",
		zap.String("client_id", c.ID),
		zap.String("project_id", projectID))
}

// Disconnect removes a socket from its room, if any, and closes it.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	projectID, ok := h.membership[c]
	if ok {
		h.leaveLocked(c, projectID)
	}
	h.mu.Unlock()
	c.Close()

	if ok {
		h.logger.Debug("socket left room",
			zap.String("client_id", c.ID),
			zap.String("project_id", projectID))
	}
}

// leaveLocked detaches a socket from a room and fires the empty-room
// hook when the last socket leaves. Caller holds h.mu.
func (h *Hub) leaveLocked(c *Client, projectID string) {
	delete(h.membership, c)
	r, ok := h.rooms[projectID]
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.clients, c)
	empty := len(r.clients) == 0
	r.mu.Unlock()

	if empty {
		delete(h.rooms, projectID)
		if h.onEmpty != nil {
			h.onEmpty(projectID)
		}
	}
}

// Broadcast sends a message to every socket in a project's room and
// returns how many sockets accepted it. Delivery is best-effort: a
// socket that fails to accept is dropped from the room, the rest are
// unaffected.
func (h *Hub) Broadcast(projectID string, msg *ws.Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	r, ok := h.rooms[projectID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	var failed []*Client
	sent := 0
	r.mu.Lock()
	for c := range r.clients {
		if c.trySend(data) {
			sent++
		} else {
			failed = append(failed, c)
		}
	}
	r.mu.Unlock()

	for _, c := range failed {
		h.logger.Debug("dropping unresponsive socket",
			zap.String("client_id", c.ID),
			zap.String("project_id", projectID))
		h.Disconnect(c)
	}
	return sent
}

// SendPersonal delivers a message to a single socket.
func (h *Hub) SendPersonal(c *Client, msg *ws.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Internal("failed to marshal message", err)
	}
	if !c.trySend(data) {
		h.Disconnect(c)
		return errors.Transient("socket is closed or backed up", nil)
	}
	return nil
}

// RoomSize reports how many sockets a project's room holds.
func (h *Hub) RoomSize(projectID string) int {
	h.mu.RLock()
	r, ok := h.rooms[projectID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// CloseAll disconnects every socket. Used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.membership))
	for c := range h.membership {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Disconnect(c)
	}
}
