package model

import (
	"encoding/json"
	"time"
)

// EventKind names a normalized event.
type EventKind string

// Lifecycle kinds.
const (
	EventCreated       EventKind = "created"
	EventStarting      EventKind = "starting"
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
	EventRemoved       EventKind = "removed"
)

// Message kinds. These are passed through from the protocol client without
// interpretation.
const (
	EventMessage               EventKind = "message"
	EventMessageCreate         EventKind = "message_create"
	EventMessageAck            EventKind = "message_ack"
	EventMessageRevokeEveryone EventKind = "message_revoke_everyone"
	EventMessageRevokeMe       EventKind = "message_revoke_me"
	EventMediaUploaded         EventKind = "media_uploaded"
	EventGroupJoin             EventKind = "group_join"
	EventGroupLeave            EventKind = "group_leave"
	EventGroupUpdate           EventKind = "group_update"
	EventGroupAdminChanged     EventKind = "group_admin_changed"
	EventContactChanged        EventKind = "contact_changed"
	EventMessageSent           EventKind = "message_sent"
)

// EventLog carries a gateway log record to live subscribers. It belongs to
// no session transition and has no sequence number.
const EventLog EventKind = "log"

// KindForState returns the lifecycle event kind emitted on entering s.
func KindForState(s SessionState) EventKind {
	switch s {
	case StateStarting:
		return EventStarting
	case StateQRPending:
		return EventQR
	case StateAuthenticating:
		return EventAuthenticated
	case StateReady:
		return EventReady
	case StateAuthFailure:
		return EventAuthFailure
	case StateDisconnected:
		return EventDisconnected
	default:
		return EventCreated
	}
}

// Lifecycle reports whether events of this kind describe a state change
// and are therefore persisted.
func (k EventKind) Lifecycle() bool {
	switch k {
	case EventCreated, EventStarting, EventQR, EventAuthenticated, EventReady,
		EventAuthFailure, EventDisconnected, EventRemoved:
		return true
	}
	return false
}

// Event is a normalized, immutable record of a session transition or
// message. Seq increases monotonically per session.
type Event struct {
	SessionID string          `json:"sessionId"`
	Seq       uint64          `json:"seq"`
	Kind      EventKind       `json:"kind"`
	State     SessionState    `json:"state,omitempty"`
	ContactID string          `json:"contactId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Detail returns the payload as a string for the event log.
func (e Event) Detail() string {
	if len(e.Payload) == 0 {
		return ""
	}
	return string(e.Payload)
}

// QRPayload is the payload of a qr event.
type QRPayload struct {
	Token string `json:"token"`
}

// ReadyPayload is the payload of a ready event.
type ReadyPayload struct {
	ContactID string `json:"contactId,omitempty"`
}

// ReasonPayload carries the diagnostic of auth_failure and disconnected events.
type ReasonPayload struct {
	Reason string `json:"reason,omitempty"`
}

// SentPayload is the payload of a message_sent event.
type SentPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// AckPayload is the payload of a message_ack event.
type AckPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// MustPayload marshals v, returning nil for values that cannot be encoded.
func MustPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// LogPayload is the payload of a log event.
type LogPayload struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Component string `json:"component,omitempty"`
}

// ChatMessage is one message of a chat as reported by the client.
type ChatMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Body      string    `json:"body"`
	FromMe    bool      `json:"fromMe"`
	Type      string    `json:"type,omitempty"`
	HasMedia  bool      `json:"hasMedia,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
