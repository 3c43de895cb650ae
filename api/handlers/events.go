package handlers

import (
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/multisession-gateway/backend/internal/hub"
	"github.com/multisession-gateway/backend/internal/model"
	"github.com/multisession-gateway/backend/internal/qr"
	"github.com/multisession-gateway/backend/internal/ws"
	"github.com/rs/zerolog"
)

// EventsHandler streams hub events over SSE and WebSocket.
type EventsHandler struct {
	hub       *hub.Hub
	ws        *ws.Handler
	keepAlive time.Duration
	log       zerolog.Logger
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(h *hub.Hub, wsHandler *ws.Handler, keepAlive time.Duration, log zerolog.Logger) *EventsHandler {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &EventsHandler{
		hub:       h,
		ws:        wsHandler,
		keepAlive: keepAlive,
		log:       log.With().Str("component", "sse").Logger(),
	}
}

// StreamEvent is the data of one SSE event.
type StreamEvent struct {
	model.Event
	// DataURL carries the rendered code of a qr event.
	DataURL string `json:"dataUrl,omitempty"`
}

func newStreamEvent(ev model.Event) StreamEvent {
	out := StreamEvent{Event: ev}
	if ev.Kind == model.EventQR {
		var payload model.QRPayload
		if err := json.Unmarshal(ev.Payload, &payload); err == nil {
			out.DataURL, _ = qr.DataURL(payload.Token, 0)
		}
	}
	return out
}

// Stream handles GET /api/events - a Server-Sent Events stream of every
// event. Repeated session query parameters narrow the stream.
func (h *EventsHandler) Stream(c *gin.Context) {
	filter := make(map[string]struct{})
	for _, id := range c.QueryArray("session") {
		filter[id] = struct{}{}
	}

	sub := h.hub.Attach()
	defer h.hub.Detach(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", gin.H{"subscriberId": sub.ID()})
	c.Writer.Flush()

	h.log.Debug().Str("subscriber_id", sub.ID()).Str("remote", c.ClientIP()).Msg("SSE subscriber attached")

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if len(filter) > 0 {
				if _, want := filter[ev.SessionID]; !want {
					continue
				}
			}
			c.SSEvent(string(ev.Kind), newStreamEvent(ev))
			c.Writer.Flush()

		case <-ticker.C:
			if _, err := io.WriteString(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// WebSocket handles GET /api/events/ws.
func (h *EventsHandler) WebSocket(c *gin.Context) {
	h.ws.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the event stream routes.
func (h *EventsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/events", h.Stream)
	rg.GET("/events/ws", h.WebSocket)
}
