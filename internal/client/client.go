// Package client defines the protocol client a session drives, and the
// drivers that implement it: a bridge subprocess speaking JSON lines and an
// in-process mock.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/multisession-gateway/backend/internal/config"
	"github.com/multisession-gateway/backend/internal/model"
	"github.com/rs/zerolog"
)

// Handler receives the asynchronous callbacks of one client. Calls for a
// single client never overlap and arrive in the order the protocol produced
// them.
type Handler interface {
	OnNeedsScan(token string)
	OnAuthenticated()
	OnReady(contactID string)
	OnAuthFailure(reason string)
	OnDisconnected(reason string)
	OnMessage(kind model.EventKind, payload json.RawMessage)
	OnMessageAck(messageID, status string)
	OnNotification(kind model.EventKind, payload json.RawMessage)
}

// Client is one connection to the messaging network.
type Client interface {
	// Start begins connecting. Progress is reported through the Handler.
	Start(ctx context.Context) error

	// Stop tears the connection down and releases its resources. It must
	// not call OnDisconnected.
	Stop(ctx context.Context) error

	// Send delivers body to the recipient.
	Send(ctx context.Context, to, body string) error

	// History returns up to limit of the latest messages of a chat, oldest
	// first.
	History(ctx context.Context, chatID string, limit int) ([]model.ChatMessage, error)
}

// Options configures a client instance.
type Options struct {
	SessionID string
	// DataDir is the session's credential directory.
	DataDir string
	Handler Handler
	Logger  zerolog.Logger
}

// Factory creates a fresh client for every start of a session.
type Factory interface {
	New(opts Options) (Client, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(opts Options) (Client, error)

// New calls f(opts).
func (f FactoryFunc) New(opts Options) (Client, error) {
	return f(opts)
}

// NewFactory returns the factory for the configured driver.
func NewFactory(cfg config.ClientConfig) (Factory, error) {
	switch cfg.Driver {
	case config.DriverBridge:
		return NewBridgeFactory(cfg.Bridge), nil
	case config.DriverMock:
		return NewMockFactory(cfg.Mock), nil
	default:
		return nil, fmt.Errorf("unknown client driver %q", cfg.Driver)
	}
}

// NormalizeRecipient strips the separators people type into phone numbers.
// Addresses that already carry a domain part are returned unchanged.
func NormalizeRecipient(to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", fmt.Errorf("recipient is required")
	}
	if strings.Contains(to, "@") {
		return to, nil
	}

	var b strings.Builder
	for _, r := range to {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("invalid character %q in recipient", r)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("recipient has no digits")
	}
	return b.String(), nil
}
