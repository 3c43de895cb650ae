package ws

import (
	"encoding/json"

	"github.com/multisession-gateway/backend/internal/model"
	"github.com/multisession-gateway/backend/internal/qr"
)

// MessageType represents the type of WebSocket message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypePing      MessageType = "ping"
	MessageTypeSubscribe MessageType = "subscribe"

	// Server -> Client message types
	MessageTypeConnected MessageType = "connected"
	MessageTypeEvent     MessageType = "event"
	MessageTypePong      MessageType = "pong"
	MessageTypeError     MessageType = "error"
)

// Message represents a WebSocket message.
type Message struct {
	Type MessageType `json:"type"`

	// SubscriberID is set on connected.
	SubscriberID string `json:"subscriberId,omitempty"`

	// Sessions narrows a subscribe request. Empty means every session.
	Sessions []string `json:"sessions,omitempty"`

	Event *model.Event `json:"event,omitempty"`
	// DataURL carries the rendered code of a qr event.
	DataURL string `json:"dataUrl,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewEventMessage wraps ev, rendering the scan token of qr events.
func NewEventMessage(ev model.Event) *Message {
	msg := &Message{Type: MessageTypeEvent, Event: &ev}
	if ev.Kind == model.EventQR {
		var payload model.QRPayload
		if err := json.Unmarshal(ev.Payload, &payload); err == nil && payload.Token != "" {
			if url, err := qr.DataURL(payload.Token, 0); err == nil {
				msg.DataURL = url
			}
		}
	}
	return msg
}
