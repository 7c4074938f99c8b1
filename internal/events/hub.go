// Package events pushes entity state transitions to subscribed agents over
// WebSocket. External consumers like a confirmation poller or a price
// synchronizer subscribe here instead of polling every entity endpoint.
package events

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types published by the platform.
const (
	TypeSessionVerified    = "session.verified"
	TypeActionConfirmed    = "chain_action.confirmed"
	TypeSettlementEscrowed = "settlement.escrowed"
	TypeSettlementReleased = "settlement.released"
	TypeSettlementRefunded = "settlement.refunded"
	TypeSkillPublished     = "skill.published"
)

// Event is one broadcast message.
type Event struct {
	Type    string `json:"type"`
	At      int64  `json:"at"`
	Payload any    `json:"payload"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscriber is one connected client with a buffered outbound queue.
type subscriber struct {
	conn *websocket.Conn
	send chan Event
}

// Hub fans events out to all connected subscribers. Publishing never blocks
// on a slow client: subscribers whose queue is full are dropped.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Publish broadcasts an event to every subscriber. Safe to call on a nil
// hub, so components can run without one wired in.
func (h *Hub) Publish(eventType string, payload any) {
	if h == nil {
		return
	}
	ev := Event{Type: eventType, At: time.Now().Unix(), Payload: payload}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- ev:
		default:
			// Slow consumer: drop it rather than stall the platform.
			delete(h.subs, s)
			close(s.send)
		}
	}
}

// Handler returns the HTTP handler that upgrades connections and streams
// events until the client disconnects.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[events] websocket upgrade: %v", err)
			return
		}

		s := &subscriber{conn: conn, send: make(chan Event, 32)}
		h.mu.Lock()
		h.subs[s] = struct{}{}
		h.mu.Unlock()

		go h.writePump(s)
		h.readPump(s)
	}
}

// readPump consumes (and discards) client frames so pings and close frames
// are processed, unregistering on disconnect.
func (h *Hub) readPump(s *subscriber) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.subs[s]; ok {
			delete(h.subs, s)
			close(s.send)
		}
		h.mu.Unlock()
		s.conn.Close()
	}()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[events] websocket read: %v", err)
			}
			return
		}
	}
}

// writePump drains the subscriber queue onto the socket.
func (h *Hub) writePump(s *subscriber) {
	for ev := range s.send {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("[events] marshal event: %v", err)
			continue
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow consumer"))
	s.conn.Close()
}
