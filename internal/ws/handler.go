package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/multisession-gateway/backend/internal/hub"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	// Replies queued for the write pump.
	controlBuffer = 16
)

// Client is one WebSocket connection and its hub subscription.
type Client struct {
	conn    *websocket.Conn
	sub     *hub.Subscriber
	control chan []byte

	mu     sync.RWMutex
	filter map[string]struct{}
}

func newClient(conn *websocket.Conn, sub *hub.Subscriber) *Client {
	return &Client{
		conn:    conn,
		sub:     sub,
		control: make(chan []byte, controlBuffer),
	}
}

// Wants reports whether events of sessionID pass the client's filter.
func (c *Client) Wants(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.filter) == 0 {
		return true
	}
	_, ok := c.filter[sessionID]
	return ok
}

// Subscribe replaces the filter. An empty list selects every session.
func (c *Client) Subscribe(sessions []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(sessions) == 0 {
		c.filter = nil
		return
	}
	c.filter = make(map[string]struct{}, len(sessions))
	for _, id := range sessions {
		c.filter[id] = struct{}{}
	}
}

// reply queues msg for the write pump, dropping it if the queue is full.
func (c *Client) reply(msg *Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case c.control <- data:
		return true
	default:
		return false
	}
}

// Handler upgrades HTTP requests to event streams.
type Handler struct {
	hub      *hub.Hub
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler that streams events from h.
func NewHandler(h *hub.Hub, log zerolog.Logger) *Handler {
	return &Handler{
		hub: h,
		log: log.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// SetCheckOrigin sets a custom origin checker for the upgrader.
func (h *Handler) SetCheckOrigin(fn func(r *http.Request) bool) {
	h.upgrader.CheckOrigin = fn
}

// ServeHTTP upgrades the connection and starts its pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		h.log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sub := h.hub.Attach()
	client := newClient(conn, sub)
	if sessions := r.URL.Query()["session"]; len(sessions) > 0 {
		client.Subscribe(sessions)
	}
	client.reply(&Message{Type: MessageTypeConnected, SubscriberID: sub.ID()})

	h.log.Debug().Str("subscriber_id", sub.ID()).Str("remote", r.RemoteAddr).Msg("WebSocket subscriber attached")

	go h.writePump(client)
	go h.readPump(client)
}

// readPump handles messages from the peer until the connection fails.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.Detach(client.sub)
		client.conn.Close()
		h.log.Debug().Str("subscriber_id", client.sub.ID()).Msg("WebSocket subscriber detached")
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			client.reply(&Message{Type: MessageTypeError, Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case MessageTypePing:
			client.reply(&Message{Type: MessageTypePong})
		case MessageTypeSubscribe:
			client.Subscribe(msg.Sessions)
		}
	}
}

// writePump is the only writer on the connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	write := func(data []byte) bool {
		client.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return client.conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	for {
		select {
		case ev, ok := <-client.sub.Events():
			if !ok {
				// The hub detached the subscriber
				client.conn.SetWriteDeadline(time.Now().Add(writeWait))
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !client.Wants(ev.SessionID) {
				continue
			}
			data, err := json.Marshal(NewEventMessage(ev))
			if err != nil {
				h.log.Error().Err(err).Msg("Failed to marshal event")
				continue
			}
			if !write(data) {
				return
			}

		case data := <-client.control:
			if !write(data) {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
