package broadcast

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Clients() = %d, want %d", hub.Clients(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

func TestHub_PublishReachesEveryClient(t *testing.T) {
	hub, url := newTestHub(t)
	a := dial(t, url)
	b := dial(t, url)
	waitClients(t, hub, 2)

	hub.Publish(Event{Type: TypeText, Text: "hello", Lang: "en", Session: "s1"})
	hub.Publish(Event{Type: TypeStatus, Text: "running"})

	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		first := readEvent(t, conn)
		if first.Type != TypeText || first.Text != "hello" || first.Lang != "en" || first.Session != "s1" || first.Time.IsZero() {
			t.Errorf("client %s: first event = %+v", name, first)
		}
		if second := readEvent(t, conn); second.Type != TypeStatus || second.Text != "running" {
			t.Errorf("client %s: second event = %+v", name, second)
		}
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitClients(t, hub, 0)

	hub.Publish(Event{Type: TypeStatus, Text: "nobody listening"})
}

func TestHub_SlowClientDropped(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	slow := &client{send: make(chan []byte)}
	hub.clients[slow] = struct{}{}

	hub.Publish(Event{Type: TypeText, Text: "x"})

	if hub.Clients() != 0 {
		t.Fatalf("Clients() = %d, slow client kept", hub.Clients())
	}
	if _, ok := <-slow.send; ok {
		t.Error("send channel of the dropped client is still open")
	}
}

func TestHub_Close(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("ReadMessage after Close: %v, want normal closure", err)
	}

	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial after Close: %v", err)
	}
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := late.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("late client read: %v, want going away", err)
	}
}
