package events

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPublishReachesSubscriber(t *testing.T) {
	h := NewHub()
	conn := dialHub(t, h)

	// The subscriber registers during the upgrade; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		n := len(h.subs)
		h.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Publish(TypeSessionVerified, map[string]string{"sessionId": "s1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != TypeSessionVerified {
		t.Fatalf("event type = %s, want %s", ev.Type, TypeSessionVerified)
	}
}

func TestPublishOnNilHubIsNoop(t *testing.T) {
	var h *Hub
	h.Publish(TypeSkillPublished, nil) // must not panic
}

func TestPublishWithNoSubscribers(t *testing.T) {
	h := NewHub()
	h.Publish(TypeActionConfirmed, map[string]string{"id": "x"})
}
