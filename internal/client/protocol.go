package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/multisession-gateway/backend/internal/model"
)

// Frame types sent by the bridge.
const (
	FrameQR            = "qr"
	FrameAuthenticated = "authenticated"
	FrameReady         = "ready"
	FrameAuthFailure   = "auth_failure"
	FrameDisconnected  = "disconnected"
	FrameMessageAck    = "message_ack"
	FrameResult        = "result"
)

// Commands sent to the bridge.
const (
	OpStart   = "start"
	OpStop    = "stop"
	OpSend    = "send"
	OpHistory = "history"
)

// ErrUnknownFrame is returned by Dispatch for a frame type it cannot route.
var ErrUnknownFrame = errors.New("unknown frame type")

// Frame is one JSON line read from the bridge.
type Frame struct {
	Type      string          `json:"type"`
	ID        uint64          `json:"id,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Error     string          `json:"error,omitempty"`
	Token     string          `json:"token,omitempty"`
	ContactID string          `json:"contactId,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Command is one JSON line written to the bridge. Every command is answered
// by a result frame carrying the same ID.
type Command struct {
	ID        uint64 `json:"id"`
	Op        string `json:"op"`
	SessionID string `json:"sessionId,omitempty"`
	DataDir   string `json:"dataDir,omitempty"`
	To        string `json:"to,omitempty"`
	Body      string `json:"body,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// messageKinds are passed through to OnMessage.
var messageKinds = map[string]model.EventKind{
	string(model.EventMessage):               model.EventMessage,
	string(model.EventMessageCreate):         model.EventMessageCreate,
	string(model.EventMessageRevokeEveryone): model.EventMessageRevokeEveryone,
	string(model.EventMessageRevokeMe):       model.EventMessageRevokeMe,
	string(model.EventMediaUploaded):         model.EventMediaUploaded,
}

// notificationKinds are passed through to OnNotification.
var notificationKinds = map[string]model.EventKind{
	string(model.EventGroupJoin):         model.EventGroupJoin,
	string(model.EventGroupLeave):        model.EventGroupLeave,
	string(model.EventGroupUpdate):       model.EventGroupUpdate,
	string(model.EventGroupAdminChanged): model.EventGroupAdminChanged,
	string(model.EventContactChanged):    model.EventContactChanged,
}

// DecodeFrame parses one line of bridge output.
func DecodeFrame(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("failed to decode frame: missing type")
	}
	return f, nil
}

// EncodeCommand renders cmd as one newline-terminated line.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeHistory reads the messages carried by the result of a history
// command.
func DecodeHistory(f Frame) ([]model.ChatMessage, error) {
	if len(f.Data) == 0 {
		return []model.ChatMessage{}, nil
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal(f.Data, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return messages, nil
}

// Dispatch routes an event frame to the matching Handler callback. Result
// frames are not events and are rejected.
func Dispatch(f Frame, h Handler) error {
	switch f.Type {
	case FrameQR:
		h.OnNeedsScan(f.Token)
	case FrameAuthenticated:
		h.OnAuthenticated()
	case FrameReady:
		h.OnReady(f.ContactID)
	case FrameAuthFailure:
		h.OnAuthFailure(f.Reason)
	case FrameDisconnected:
		h.OnDisconnected(f.Reason)
	case FrameMessageAck:
		h.OnMessageAck(f.MessageID, f.Status)
	default:
		if kind, ok := messageKinds[f.Type]; ok {
			h.OnMessage(kind, f.Data)
			return nil
		}
		if kind, ok := notificationKinds[f.Type]; ok {
			h.OnNotification(kind, f.Data)
			return nil
		}
		return fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
	return nil
}
