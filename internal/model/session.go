package model

import (
	"regexp"
	"time"
)

// SessionState is the canonical lifecycle state of a messaging session.
type SessionState string

const (
	StateUninitialized  SessionState = "uninitialized"
	StateStarting       SessionState = "starting"
	StateQRPending      SessionState = "qr_pending"
	StateAuthenticating SessionState = "authenticating"
	StateReady          SessionState = "ready"
	StateDisconnected   SessionState = "disconnected"
	StateAuthFailure    SessionState = "auth_failure"
)

// AllStates lists every lifecycle state in declaration order.
var AllStates = []SessionState{
	StateUninitialized,
	StateStarting,
	StateQRPending,
	StateAuthenticating,
	StateReady,
	StateDisconnected,
	StateAuthFailure,
}

// Valid reports whether s is one of the defined states.
func (s SessionState) Valid() bool {
	for _, st := range AllStates {
		if s == st {
			return true
		}
	}
	return false
}

// HoldsHandle reports whether a session in this state owns a client handle.
func (s SessionState) HoldsHandle() bool {
	return s != StateUninitialized && s != StateDisconnected
}

// Running reports whether the session is somewhere between start and ready.
func (s SessionState) Running() bool {
	switch s {
	case StateStarting, StateQRPending, StateAuthenticating, StateReady:
		return true
	}
	return false
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateSessionID checks that id can be used as a registry key and a
// directory name.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return ErrInvalidSessionID
	}
	return nil
}

// SessionInfo is a point-in-time copy of a session's observable state.
type SessionInfo struct {
	ID        string       `json:"id"`
	State     SessionState `json:"state"`
	ContactID string       `json:"contactId,omitempty"`
	HasHandle bool         `json:"-"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// StatusRecord is the persisted last-known status of a session.
type StatusRecord struct {
	SessionID     string
	State         SessionState
	ContactID     string
	LastChangedAt time.Time
}

// EventRecord is one row of the append-only event log.
type EventRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SystemLog is one persisted log line.
type SystemLog struct {
	ID        int64     `json:"id"`
	Level     string    `json:"type"`
	Message   string    `json:"message"`
	SessionID string    `json:"sessionId,omitempty"`
	CreatedAt time.Time `json:"timestamp"`
}

// Page describes a paginated query.
type Page struct {
	Limit  int
	Offset int
	Search string
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 10
	}
	if p.Limit > 500 {
		p.Limit = 500
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
