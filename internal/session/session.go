package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/multisession-gateway/backend/internal/client"
	"github.com/multisession-gateway/backend/internal/logger"
	"github.com/multisession-gateway/backend/internal/model"
	"github.com/rs/zerolog"
)

// EventSink receives every event a session emits. Emit is called with the
// session's state lock held and must not call back into the session.
type EventSink interface {
	Emit(ev model.Event)
}

// Metrics receives per-session measurements. A nil Metrics is allowed.
type Metrics interface {
	StateLeft(state model.SessionState, d time.Duration)
	SendAttempted(ok bool)
}

// Session is one messaging connection and its lifecycle state.
//
// mu guards the state fields and is held while an event is emitted, so the
// status store and subscribers see transitions in order. opMu serializes
// start, stop and remove; it is never taken by client callbacks.
type Session struct {
	id      string
	dataDir string
	factory client.Factory
	sink    EventSink
	metrics Metrics
	opts    Options
	log     zerolog.Logger

	opMu sync.Mutex

	mu           sync.Mutex
	state        model.SessionState
	contactID    string
	qrToken      string
	client       client.Client
	clientGen    uint64
	generation   uint64
	seq          uint64
	changedAt    time.Time
	sendFailures int
	removed      bool

	// cancelStart aborts the client start in progress, if any.
	cancelStart context.CancelFunc
	stopPending int
}

func newSession(id, dataDir string, r *Registry) *Session {
	return &Session{
		id:        id,
		dataDir:   dataDir,
		factory:   r.factory,
		sink:      r.sink,
		metrics:   r.metrics,
		opts:      r.opts,
		log:       logger.ForSession(r.log, id),
		state:     model.StateUninitialized,
		changedAt: time.Now(),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Info returns a snapshot of the session.
func (s *Session) Info() model.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() model.SessionInfo {
	return model.SessionInfo{
		ID:        s.id,
		State:     s.state,
		ContactID: s.contactID,
		HasHandle: s.client != nil,
		UpdatedAt: s.changedAt,
	}
}

// QRToken returns the pending scan token.
func (s *Session) QRToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != model.StateQRPending || s.qrToken == "" {
		return "", model.ErrNoQRCode
	}
	return s.qrToken, nil
}

// Start connects the session. Starting a running session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return model.ErrSessionNotFound
	}
	if _, outcome := Transition(s.state, Input{Kind: InputStart}); outcome == NoOp {
		s.mu.Unlock()
		s.log.Debug().Str("state", string(s.state)).Msg("Start ignored, session already running")
		return nil
	}

	// A failed login keeps its handle until the next start. It stays attached
	// while it is torn down; the generation bump silences its callbacks.
	stale := s.client
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	if stale != nil {
		s.teardown(ctx, stale)
	}

	c, err := s.factory.New(client.Options{
		SessionID: s.id,
		DataDir:   s.dataDir,
		Handler:   &callbacks{s: s, generation: gen},
		Logger:    s.log,
	})
	if err != nil {
		s.mu.Lock()
		if s.state.HoldsHandle() {
			s.client = nil
			s.transitionLocked(model.StateDisconnected, model.MustPayload(model.ReasonPayload{Reason: err.Error()}))
		}
		s.mu.Unlock()
		return model.NewTransportError("start", err)
	}

	startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StartTimeout)
	defer cancel()

	s.mu.Lock()
	s.client = c
	s.clientGen = gen
	s.qrToken = ""
	s.sendFailures = 0
	s.cancelStart = cancel
	if s.stopPending > 0 {
		cancel()
	}
	s.transitionLocked(model.StateStarting, nil)
	s.mu.Unlock()

	s.log.Info().Msg("Session starting")

	err = c.Start(startCtx)

	s.mu.Lock()
	s.cancelStart = nil
	if err != nil && s.generation == gen && s.client == c {
		reason := "start failed: " + err.Error()
		if errors.Is(startCtx.Err(), context.Canceled) {
			reason = "start interrupted by stop"
		}
		s.client = nil
		s.generation++
		s.transitionLocked(model.StateDisconnected, model.MustPayload(model.ReasonPayload{Reason: reason}))
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Msg("Client failed to start")
		go s.teardown(context.Background(), c)
		return model.NewTransportError("start", err)
	}
	return nil
}

// Stop disconnects the session. The client is given StopTimeout to tear
// down; after that its handle is discarded and the session is marked
// disconnected anyway. A start still waiting for the client is interrupted.
// Stopping a disconnected session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.requestStop()
	defer s.stopRequestDone()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	return s.stopLocked(ctx, "stopped")
}

// requestStop cancels an in-flight client start so a queued stop does not
// wait out StartTimeout. Every call is paired with stopRequestDone.
func (s *Session) requestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopPending++
	if s.cancelStart != nil {
		s.cancelStart()
	}
}

func (s *Session) stopRequestDone() {
	s.mu.Lock()
	s.stopPending--
	s.mu.Unlock()
}

// stopLocked runs with opMu held. The handle stays attached until the
// disconnected transition so state and handle change together.
func (s *Session) stopLocked(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return model.ErrSessionNotFound
	}
	if _, outcome := Transition(s.state, Input{Kind: InputStop}); outcome != Apply {
		s.mu.Unlock()
		return nil
	}

	c := s.client
	s.generation++
	s.qrToken = ""
	s.mu.Unlock()

	if c != nil {
		s.teardown(ctx, c)
	}

	s.mu.Lock()
	s.client = nil
	s.transitionLocked(model.StateDisconnected, model.MustPayload(model.ReasonPayload{Reason: reason}))
	s.mu.Unlock()

	s.log.Info().Str("reason", reason).Msg("Session stopped")
	return nil
}

// Send delivers body to the recipient. The session must be ready.
func (s *Session) Send(ctx context.Context, to, body string) error {
	recipient, err := client.NormalizeRecipient(to)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidRecipient, err)
	}

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return model.ErrSessionNotFound
	}
	if s.state != model.StateReady || s.client == nil || s.clientGen != s.generation {
		s.mu.Unlock()
		return model.ErrNotReady
	}
	c := s.client
	gen := s.generation
	s.mu.Unlock()

	sendErr := c.Send(ctx, recipient, body)
	if s.metrics != nil {
		s.metrics.SendAttempted(sendErr == nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sendErr != nil {
		s.log.Warn().Err(sendErr).Str("to", recipient).Msg("Send failed")
		if s.generation != gen {
			return model.NewTransportError("send", sendErr)
		}

		s.sendFailures++
		if s.opts.MaxSendFailures > 0 && s.sendFailures >= s.opts.MaxSendFailures {
			s.log.Error().Int("failures", s.sendFailures).Msg("Too many send failures, disconnecting")
			s.client = nil
			s.generation++
			s.transitionLocked(model.StateDisconnected, model.MustPayload(model.ReasonPayload{
				Reason: fmt.Sprintf("%d consecutive send failures", s.sendFailures),
			}))
			go s.teardown(context.Background(), c)
		}
		return model.NewTransportError("send", sendErr)
	}

	if s.generation == gen {
		s.sendFailures = 0
	}
	s.emitLocked(model.EventMessageSent, model.MustPayload(model.SentPayload{To: recipient, Body: body}))
	return nil
}

// DefaultHistoryLimit and MaxHistoryLimit bound a History request.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// History returns the latest messages of a chat. The session must be ready.
func (s *Session) History(ctx context.Context, chatID string, limit int) ([]model.ChatMessage, error) {
	chat, err := client.NormalizeRecipient(chatID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidRecipient, err)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return nil, model.ErrSessionNotFound
	}
	if s.state != model.StateReady || s.client == nil || s.clientGen != s.generation {
		s.mu.Unlock()
		return nil, model.ErrNotReady
	}
	c := s.client
	s.mu.Unlock()

	messages, err := c.History(ctx, chat, limit)
	if err != nil {
		s.log.Warn().Err(err).Str("chat_id", chat).Msg("History request failed")
		return nil, model.NewTransportError("history", err)
	}
	return messages, nil
}

// teardown stops c, waiting at most StopTimeout or until ctx ends.
func (s *Session) teardown(ctx context.Context, c client.Client) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic during client stop: %v", r)
			}
		}()
		done <- c.Stop(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.log.Warn().Err(err).Msg("Client stop returned an error")
		}
	case <-ctx.Done():
		s.log.Warn().Err(ctx.Err()).Dur("timeout", s.opts.StopTimeout).Msg("Client did not stop in time, discarding handle")
	}
}

// markRemoved emits the final event. The session rejects every later call.
func (s *Session) markRemoved() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removed = true
	s.generation++
	s.qrToken = ""
	s.emitLocked(model.EventRemoved, nil)
}

func (s *Session) isRemoved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

// restore sets the state recovered from storage without emitting.
func (s *Session) restore(state model.SessionState, contactID string, changedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
	s.contactID = contactID
	if !changedAt.IsZero() {
		s.changedAt = changedAt
	}
}

// transitionLocked moves to state and emits the matching lifecycle event.
func (s *Session) transitionLocked(state model.SessionState, payload json.RawMessage) {
	now := time.Now()
	if s.metrics != nil && s.state != state {
		s.metrics.StateLeft(s.state, now.Sub(s.changedAt))
	}

	s.state = state
	s.changedAt = now
	if state != model.StateQRPending {
		s.qrToken = ""
	}

	s.emitLocked(model.KindForState(state), payload)
}

func (s *Session) emitLocked(kind model.EventKind, payload json.RawMessage) {
	s.seq++
	ev := model.Event{
		SessionID: s.id,
		Seq:       s.seq,
		Kind:      kind,
		State:     s.state,
		ContactID: s.contactID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	s.sink.Emit(ev)
}

// apply handles a lifecycle callback from the client of generation gen.
func (s *Session) apply(gen uint64, in Input) {
	released, contactID, applied := s.applyLocked(gen, in)
	if !applied {
		return
	}

	switch in.Kind {
	case InputReady:
		s.log.Info().Str("contact_id", contactID).Msg("Session ready")
	case InputAuthFailed:
		s.log.Error().Str("reason", in.Reason).Msg("Authentication failed")
	case InputDisconnected:
		s.log.Warn().Str("reason", in.Reason).Msg("Session disconnected by client")
	}

	if released != nil {
		go s.teardown(context.Background(), released)
	}
}

// applyLocked runs the transition for in under s.mu. It returns the client
// released by a disconnect and the contact id after the transition.
func (s *Session) applyLocked(gen uint64, in Input) (client.Client, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.removed {
		s.log.Debug().Str("input", string(in.Kind)).Msg("Ignoring callback from a released client")
		return nil, "", false
	}

	to, outcome := Transition(s.state, in)
	if outcome != Apply {
		s.log.Warn().Str("input", string(in.Kind)).Str("state", string(s.state)).Msg("Ignoring out of order client event")
		return nil, "", false
	}

	var payload json.RawMessage
	var released client.Client

	switch in.Kind {
	case InputNeedsScan:
		s.qrToken = in.Token
		payload = model.MustPayload(model.QRPayload{Token: in.Token})
	case InputReady:
		if in.ContactID != "" {
			s.contactID = in.ContactID
		}
		payload = model.MustPayload(model.ReadyPayload{ContactID: s.contactID})
	case InputAuthFailed:
		payload = model.MustPayload(model.ReasonPayload{Reason: in.Reason})
	case InputDisconnected:
		released = s.client
		s.client = nil
		s.generation++
		payload = model.MustPayload(model.ReasonPayload{Reason: in.Reason})
	}

	s.transitionLocked(to, payload)
	return released, s.contactID, true
}

// passThrough emits a message event from the client of generation gen.
func (s *Session) passThrough(gen uint64, kind model.EventKind, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.removed {
		return
	}
	s.emitLocked(kind, payload)
}

// callbacks adapts client callbacks to session inputs. Each instance is
// bound to the client generation it was created for.
type callbacks struct {
	s          *Session
	generation uint64
}

func (h *callbacks) recover(name string) {
	if r := recover(); r != nil {
		h.s.log.Error().Str("callback", name).Interface("panic", r).Msg("Recovered from panic in client callback")
	}
}

func (h *callbacks) OnNeedsScan(token string) {
	defer h.recover("needs_scan")
	h.s.apply(h.generation, Input{Kind: InputNeedsScan, Token: token})
}

func (h *callbacks) OnAuthenticated() {
	defer h.recover("authenticated")
	h.s.apply(h.generation, Input{Kind: InputAuthenticated})
}

func (h *callbacks) OnReady(contactID string) {
	defer h.recover("ready")
	h.s.apply(h.generation, Input{Kind: InputReady, ContactID: contactID})
}

func (h *callbacks) OnAuthFailure(reason string) {
	defer h.recover("auth_failure")
	h.s.apply(h.generation, Input{Kind: InputAuthFailed, Reason: reason})
}

func (h *callbacks) OnDisconnected(reason string) {
	defer h.recover("disconnected")
	h.s.apply(h.generation, Input{Kind: InputDisconnected, Reason: reason})
}

func (h *callbacks) OnMessage(kind model.EventKind, payload json.RawMessage) {
	defer h.recover(string(kind))
	h.s.passThrough(h.generation, kind, payload)
}

func (h *callbacks) OnMessageAck(messageID, status string) {
	defer h.recover("message_ack")
	h.s.passThrough(h.generation, model.EventMessageAck, model.MustPayload(model.AckPayload{
		MessageID: messageID,
		Status:    status,
	}))
}

func (h *callbacks) OnNotification(kind model.EventKind, payload json.RawMessage) {
	defer h.recover(string(kind))
	h.s.passThrough(h.generation, kind, payload)
}
