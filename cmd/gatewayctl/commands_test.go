package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/multisession-gateway/backend/api/handlers"
	"github.com/multisession-gateway/backend/internal/model"
	"github.com/multisession-gateway/backend/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway records requests and answers like the gateway API.
type fakeGateway struct {
	mu       sync.Mutex
	requests []string
	sent     []handlers.SendRequest
	query    string
}

func (f *fakeGateway) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
}

func (f *fakeGateway) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, []handlers.SessionResponse{
				{ID: "alpha", State: "ready", ContactID: "15550000000", UpdatedAt: "2026-01-02T03:04:05Z"},
				{ID: "beta", State: "uninitialized", UpdatedAt: "2026-01-02T03:04:06Z"},
			})
		case http.MethodPost:
			var req handlers.CreateSessionRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.ID == "taken" {
				writeJSON(w, http.StatusConflict, handlers.ErrorResponse{Error: handlers.ErrorDetail{
					Code: "ALREADY_EXISTS", Message: "session already exists",
				}})
				return
			}
			writeJSON(w, http.StatusCreated, handlers.SessionResponse{ID: req.ID, State: "uninitialized"})
		}
	})

	mux.HandleFunc("/api/sessions/", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
		parts := strings.Split(rest, "/")
		id := parts[0]

		switch {
		case r.Method == http.MethodDelete && len(parts) == 1:
			w.WriteHeader(http.StatusNoContent)
		case len(parts) == 2 && parts[1] == "send":
			var req handlers.SendRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.mu.Lock()
			f.sent = append(f.sent, req)
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		case len(parts) == 2 && parts[1] == "messages":
			f.mu.Lock()
			f.query = r.URL.RawQuery
			f.mu.Unlock()
			writeJSON(w, http.StatusOK, handlers.MessagesResponse{
				Messages: []model.ChatMessage{
					{ID: "m1", ChatID: r.URL.Query().Get("chatId"), From: "15551234567", Body: "hello", Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
					{ID: "m2", ChatID: r.URL.Query().Get("chatId"), Body: "hi back", FromMe: true, Timestamp: time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC)},
				},
				Count: 2,
			})
		case len(parts) == 2 && parts[1] == "start":
			writeJSON(w, http.StatusOK, handlers.SessionResponse{ID: id, State: "starting"})
		case len(parts) == 2 && parts[1] == "stop":
			writeJSON(w, http.StatusOK, handlers.SessionResponse{ID: id, State: "disconnected"})
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/api/events/ws", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.query = r.URL.RawQuery
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		conn.WriteJSON(ws.Message{Type: ws.MessageTypeConnected, SubscriberID: "sub-1"})
		conn.WriteJSON(ws.NewEventMessage(model.Event{
			SessionID: "alpha",
			Seq:       4,
			Kind:      model.EventReady,
			State:     model.StateReady,
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	return mux
}

func runCmd(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", server}, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func setupFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	t.Helper()
	fake := &fakeGateway{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return fake, srv
}

func TestSessionsList_Table(t *testing.T) {
	_, srv := setupFakeGateway(t)

	out, err := runCmd(t, srv.URL, "sessions", "list")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "alpha")
	assert.Contains(t, lines[1], "15550000000")
	assert.Contains(t, lines[2], "beta")
	assert.Contains(t, lines[2], "-")
}

func TestSessionsList_JSON(t *testing.T) {
	_, srv := setupFakeGateway(t)

	out, err := runCmd(t, srv.URL, "--json", "sessions", "list")
	require.NoError(t, err)

	var sessions []handlers.SessionResponse
	require.NoError(t, json.Unmarshal([]byte(out), &sessions))
	require.Len(t, sessions, 2)
	assert.Equal(t, "alpha", sessions[0].ID)
}

func TestSessionsCreate_Conflict(t *testing.T) {
	_, srv := setupFakeGateway(t)

	_, err := runCmd(t, srv.URL, "sessions", "create", "taken")
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "ALREADY_EXISTS", apiErr.Code)
}

func TestSessionsLifecycleCommands(t *testing.T) {
	fake, srv := setupFakeGateway(t)

	out, err := runCmd(t, srv.URL, "sessions", "create", "alpha")
	require.NoError(t, err)
	assert.Contains(t, out, "uninitialized")

	out, err = runCmd(t, srv.URL, "sessions", "start", "alpha")
	require.NoError(t, err)
	assert.Contains(t, out, "starting")

	out, err = runCmd(t, srv.URL, "sessions", "stop", "alpha")
	require.NoError(t, err)
	assert.Contains(t, out, "disconnected")

	out, err = runCmd(t, srv.URL, "sessions", "rm", "alpha")
	require.NoError(t, err)
	assert.Contains(t, out, "removed alpha")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{
		"POST /api/sessions",
		"POST /api/sessions/alpha/start",
		"POST /api/sessions/alpha/stop",
		"DELETE /api/sessions/alpha",
	}, fake.requests)
}

func TestSend_JoinsBody(t *testing.T) {
	fake, srv := setupFakeGateway(t)

	out, err := runCmd(t, srv.URL, "send", "alpha", "15551234567", "hello", "there")
	require.NoError(t, err)
	assert.Contains(t, out, "sent to 15551234567")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.sent, 1)
	assert.Equal(t, "15551234567", fake.sent[0].To)
	assert.Equal(t, "hello there", fake.sent[0].Body)
}

func TestSend_RequiresArgs(t *testing.T) {
	_, srv := setupFakeGateway(t)

	_, err := runCmd(t, srv.URL, "send", "alpha", "15551234567")
	assert.Error(t, err)
}

func TestEvents_PrintsStream(t *testing.T) {
	fake, srv := setupFakeGateway(t)

	out, err := runCmd(t, srv.URL, "events", "--session", "alpha")
	require.NoError(t, err)

	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "#4")
	assert.Contains(t, out, "state=ready")
	assert.NotContains(t, out, "sub-1")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "session=alpha", fake.query)
}

func TestEvents_JSON(t *testing.T) {
	_, srv := setupFakeGateway(t)

	out, err := runCmd(t, srv.URL, "--json", "events")
	require.NoError(t, err)

	var ev model.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &ev))
	assert.Equal(t, "alpha", ev.SessionID)
	assert.Equal(t, model.EventReady, ev.Kind)
}

func TestEventsURL(t *testing.T) {
	tests := []struct {
		base     string
		sessions []string
		want     string
	}{
		{"http://localhost:8080", nil, "ws://localhost:8080/api/events/ws"},
		{"https://gw.example.com/", nil, "wss://gw.example.com/api/events/ws"},
		{"http://localhost:8080", []string{"a", "b"}, "ws://localhost:8080/api/events/ws?session=a&session=b"},
	}

	for _, tt := range tests {
		got, err := newAPIClient(tt.base, time.Second).eventsURL(tt.sessions)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestMessages_Table(t *testing.T) {
	fake, srv := setupFakeGateway(t)

	out, err := runCmd(t, srv.URL, "messages", "alpha", "15551234567", "--limit", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "15551234567")
	assert.Contains(t, lines[1], "hello")
	assert.Contains(t, lines[2], "me")
	assert.Contains(t, lines[2], "hi back")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "chatId=15551234567&limit=2", fake.query)
}
