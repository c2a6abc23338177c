// Package ws pushes live scan logs to open faculty session views, replacing
// a polling loop with a per-session connection registry.
package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"qrattend/internal/backend"
)

// Event is one message pushed to a session view.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub tracks websocket connections per session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*websocket.Conn]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]map[*websocket.Conn]bool)}
}

// Add registers a connection for a session.
func (h *Hub) Add(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*websocket.Conn]bool)
	}
	h.sessions[sessionID][conn] = true
	log.Printf("ws: client connected to session %s (total: %d)", sessionID, len(h.sessions[sessionID]))
}

// Remove drops a connection and closes it.
func (h *Hub) Remove(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.sessions[sessionID]; ok {
		delete(conns, conn)
		conn.Close()
		if len(conns) == 0 {
			delete(h.sessions, sessionID)
		}
		log.Printf("ws: client disconnected from session %s", sessionID)
	}
}

// BroadcastScan pushes a newly recorded scan to every view of the session.
func (h *Hub) BroadcastScan(sessionID string, entry backend.ScanLog) {
	h.broadcast(sessionID, Event{Type: "scan", Data: entry})
}

// BroadcastToken pushes a token/countdown update to every view of the
// session.
func (h *Hub) BroadcastToken(sessionID, token string, remainingSeconds int) {
	h.broadcast(sessionID, Event{Type: "token", Data: map[string]any{
		"token":     token,
		"remaining": remainingSeconds,
	}})
}

// BroadcastClosed signals the scanning window is over.
func (h *Hub) BroadcastClosed(sessionID string) {
	h.broadcast(sessionID, Event{Type: "closed", Data: nil})
}

func (h *Hub) broadcast(sessionID string, evt Event) {
	buf, err := json.Marshal(evt)
	if err != nil {
		log.Printf("ws: marshal failed: %v", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.sessions[sessionID]))
	for conn := range h.sessions[sessionID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			h.Remove(sessionID, conn)
		}
	}
}
