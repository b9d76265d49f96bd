// Package hub is the in-process observer registry: for each task it tracks
// the set of live UI subscriber connections and fans broadcast messages out
// to them. Delivery is fire-and-forget and never blocks or fails the caller.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxdial/voxdial/pkg/task"
)

const writeTimeout = 5 * time.Second

// Message kinds pushed to observers. This is a closed set.
const (
	KindStatus     = "status"
	KindTranscript = "transcript"
	KindOutcome    = "outcome"
)

// Message is the envelope pushed to observers.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// StatusPayload is the payload for KindStatus messages.
type StatusPayload struct {
	Status task.Status `json:"status"`
}

// Conn wraps a websocket connection with a write lock so the hub and the
// handler that owns the connection never interleave frames.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

// NewConn wraps a websocket connection for hub delivery.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes one prepared frame. Errors mark the connection closed so later
// broadcasts skip it; unregistration still happens on the connection's own
// close event.
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.ws.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		c.closed = true
	}
	return err
}

// SendJSON serializes and writes a single message to this connection only.
func (c *Conn) SendJSON(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Observer is one live subscriber. *Conn is the production implementation;
// tests substitute recording fakes.
type Observer interface {
	Send(data []byte) error
}

// Hub maps task identifiers to their connected observers.
type Hub struct {
	logger *slog.Logger

	mu        sync.Mutex
	observers map[string]map[Observer]struct{}
}

// New returns an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:    logger,
		observers: make(map[string]map[Observer]struct{}),
	}
}

// Register adds conn to the observer set for taskID.
func (h *Hub) Register(taskID string, conn Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.observers[taskID]
	if !ok {
		set = make(map[Observer]struct{})
		h.observers[taskID] = set
	}
	set[conn] = struct{}{}
}

// Unregister removes conn from the observer set for taskID, dropping the
// set entirely once empty so short-lived calls do not leak map entries.
func (h *Hub) Unregister(taskID string, conn Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.observers[taskID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.observers, taskID)
	}
}

// Count returns the number of observers currently registered for taskID.
func (h *Hub) Count(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers[taskID])
}

// Broadcast serializes msg once and delivers it to every observer of taskID.
// Connections that fail at send time are skipped. A task with no observers
// is a silent no-op.
func (h *Hub) Broadcast(taskID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "task_id", taskID, "type", msg.Type, "error", err)
		return
	}

	h.mu.Lock()
	conns := make([]Observer, 0, len(h.observers[taskID]))
	for conn := range h.observers[taskID] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Send(data); err != nil {
			h.logger.Debug("observer send failed", "task_id", taskID, "type", msg.Type, "error", err)
		}
	}
}

// BroadcastStatus pushes a status message to all observers of taskID.
func (h *Hub) BroadcastStatus(taskID string, status task.Status) {
	h.Broadcast(taskID, Message{Type: KindStatus, Payload: StatusPayload{Status: status}})
}

// BroadcastTranscript pushes one transcript event to all observers of taskID.
func (h *Hub) BroadcastTranscript(taskID string, ev task.TranscriptEvent) {
	h.Broadcast(taskID, Message{Type: KindTranscript, Payload: ev})
}

// BroadcastOutcome pushes an outcome to all observers of taskID.
func (h *Hub) BroadcastOutcome(taskID string, o task.Outcome) {
	h.Broadcast(taskID, Message{Type: KindOutcome, Payload: o})
}
