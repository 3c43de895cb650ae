package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/multisession-gateway/backend/internal/config"
	"github.com/multisession-gateway/backend/internal/model"
)

// MockFactory creates scripted in-process clients. A mock client shows a QR
// token after QRDelay and becomes ready ReadyDelay later, as if the code had
// been scanned.
type MockFactory struct {
	cfg config.MockConfig
}

// NewMockFactory creates a MockFactory.
func NewMockFactory(cfg config.MockConfig) *MockFactory {
	return &MockFactory{cfg: cfg}
}

// New implements Factory.
func (f *MockFactory) New(opts Options) (Client, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	return &MockClient{
		opts:    opts,
		cfg:     f.cfg,
		done:    make(chan struct{}),
		history: make(map[string][]model.ChatMessage),
	}, nil
}

// MockClient is a Client that needs no network.
type MockClient struct {
	opts Options
	cfg  config.MockConfig

	// events serializes handler calls.
	events sync.Mutex

	mu      sync.Mutex
	started bool
	stopped bool
	ready   bool
	done    chan struct{}
	// history holds the messages sent through this client, per chat.
	history map[string][]model.ChatMessage
	wg      sync.WaitGroup
}

// Start runs the scripted login in the background.
func (c *MockClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("mock client already started")
	}
	c.started = true

	c.wg.Add(1)
	go c.script()
	return nil
}

func (c *MockClient) script() {
	defer c.wg.Done()

	if !c.wait(c.cfg.QRDelay) {
		return
	}
	c.emit(func(h Handler) { h.OnNeedsScan(uuid.NewString()) })

	if !c.wait(c.cfg.ReadyDelay) {
		return
	}
	c.emit(func(h Handler) { h.OnAuthenticated() })

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.emit(func(h Handler) { h.OnReady(c.cfg.ContactID) })
}

func (c *MockClient) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-c.done:
		return false
	}
}

func (c *MockClient) emit(fn func(Handler)) {
	c.events.Lock()
	defer c.events.Unlock()

	select {
	case <-c.done:
		return
	default:
	}
	fn(c.opts.Handler)
}

// Stop cancels the script and waits for it to finish.
func (c *MockClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.ready = false
	close(c.done)
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send accepts the message once the script reached ready and acknowledges
// it asynchronously.
func (c *MockClient) Send(ctx context.Context, to, body string) error {
	recipient, err := NormalizeRecipient(to)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready || c.stopped {
		return fmt.Errorf("mock client is not connected")
	}

	messageID := uuid.NewString()
	c.history[recipient] = append(c.history[recipient], model.ChatMessage{
		ID:        messageID,
		ChatID:    recipient,
		From:      c.cfg.ContactID,
		To:        recipient,
		Body:      body,
		FromMe:    true,
		Type:      "chat",
		Timestamp: time.Now(),
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.emit(func(h Handler) {
			h.OnMessage(model.EventMessageCreate, model.MustPayload(map[string]string{
				"id":   messageID,
				"to":   recipient,
				"body": body,
			}))
			h.OnMessageAck(messageID, "sent")
		})
	}()
	return nil
}

// History returns the messages this client sent to the chat.
func (c *MockClient) History(ctx context.Context, chatID string, limit int) ([]model.ChatMessage, error) {
	chat, err := NormalizeRecipient(chatID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready || c.stopped {
		return nil, fmt.Errorf("mock client is not connected")
	}

	messages := c.history[chat]
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return append([]model.ChatMessage{}, messages...), nil
}
