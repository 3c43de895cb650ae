package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/multisession-gateway/backend/internal/hub"
	"github.com/multisession-gateway/backend/internal/model"
	"github.com/rs/zerolog"
)

func setupTestServer(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(16, zerolog.Nop(), nil)
	srv := httptest.NewServer(NewHandler(h, zerolog.Nop()))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	return msg
}

func TestHandler_StreamsEvents(t *testing.T) {
	h, url := setupTestServer(t)
	conn := dial(t, url)

	connected := readMessage(t, conn)
	if connected.Type != MessageTypeConnected || connected.SubscriberID == "" {
		t.Fatalf("expected connected message with subscriber id, got %+v", connected)
	}
	if h.Count() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.Count())
	}

	h.Broadcast(model.Event{SessionID: "s1", Seq: 1, Kind: model.EventReady, State: model.StateReady})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeEvent || msg.Event == nil {
		t.Fatalf("expected event message, got %+v", msg)
	}
	if msg.Event.SessionID != "s1" || msg.Event.Kind != model.EventReady {
		t.Errorf("unexpected event %+v", msg.Event)
	}
}

func TestHandler_QREventCarriesDataURL(t *testing.T) {
	h, url := setupTestServer(t)
	conn := dial(t, url)
	readMessage(t, conn)

	h.Broadcast(model.Event{
		SessionID: "s1",
		Seq:       2,
		Kind:      model.EventQR,
		Payload:   model.MustPayload(model.QRPayload{Token: "2@abc"}),
	})

	msg := readMessage(t, conn)
	if !strings.HasPrefix(msg.DataURL, "data:image/png;base64,") {
		t.Errorf("expected a PNG data url, got %.40q", msg.DataURL)
	}
}

func TestHandler_PingPong(t *testing.T) {
	_, url := setupTestServer(t)
	conn := dial(t, url)
	readMessage(t, conn)

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("failed to write ping: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypePong {
		t.Errorf("expected pong, got %s", msg.Type)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypeError {
		t.Errorf("expected error, got %s", msg.Type)
	}
}

func TestHandler_SessionFilter(t *testing.T) {
	h, url := setupTestServer(t)
	conn := dial(t, url + "?session=s2")
	readMessage(t, conn)

	h.Broadcast(model.Event{SessionID: "s1", Seq: 1, Kind: model.EventCreated})
	h.Broadcast(model.Event{SessionID: "s2", Seq: 1, Kind: model.EventCreated})

	msg := readMessage(t, conn)
	if msg.Event == nil || msg.Event.SessionID != "s2" {
		t.Fatalf("expected only s2 events, got %+v", msg.Event)
	}

	// widen the filter to everything
	if err := conn.WriteJSON(Message{Type: MessageTypeSubscribe}); err != nil {
		t.Fatalf("failed to write subscribe: %v", err)
	}
	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("failed to write ping: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypePong {
		t.Fatalf("expected pong, got %s", msg.Type)
	}

	h.Broadcast(model.Event{SessionID: "s1", Seq: 2, Kind: model.EventStarting})
	msg = readMessage(t, conn)
	if msg.Event == nil || msg.Event.SessionID != "s1" {
		t.Errorf("expected s1 event after widening, got %+v", msg.Event)
	}
}

func TestHandler_DisconnectDetaches(t *testing.T) {
	h, url := setupTestServer(t)
	conn := dial(t, url)
	readMessage(t, conn)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber was not detached, count %d", h.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_HubCloseEndsStream(t *testing.T) {
	h, url := setupTestServer(t)
	conn := dial(t, url)
	readMessage(t, conn)

	h.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Error("expected the stream to close")
	}
}

func TestClient_Subscribe(t *testing.T) {
	c := &Client{}
	if !c.Wants("any") {
		t.Error("empty filter should accept every session")
	}

	c.Subscribe([]string{"a", "b"})
	if !c.Wants("a") || !c.Wants("b") || c.Wants("c") {
		t.Error("filter should accept only a and b")
	}

	c.Subscribe(nil)
	if !c.Wants("c") {
		t.Error("clearing the filter should accept every session")
	}
}
