package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/multisession-gateway/backend/internal/client"
	"github.com/multisession-gateway/backend/internal/logger"
	"github.com/multisession-gateway/backend/internal/model"
	"github.com/rs/zerolog"
)

// Options configures a Registry.
type Options struct {
	// DataDir holds one credential directory per session.
	DataDir string
	// MaxSessions limits the number of sessions. Zero means unlimited.
	MaxSessions     int
	StartTimeout    time.Duration
	StopTimeout     time.Duration
	MaxSendFailures int
}

// StatusReader lists the persisted session statuses.
type StatusReader interface {
	ListStatuses(ctx context.Context) ([]model.StatusRecord, error)
}

// Registry manages all sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	factory client.Factory
	sink    EventSink
	metrics Metrics
	opts    Options
	log     zerolog.Logger
}

// NewRegistry creates a registry. metrics may be nil.
func NewRegistry(factory client.Factory, sink EventSink, metrics Metrics, opts Options, log zerolog.Logger) *Registry {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	return &Registry{
		sessions: make(map[string]*Session),
		factory:  factory,
		sink:     sink,
		metrics:  metrics,
		opts:     opts,
		log:      logger.Component(log, "registry"),
	}
}

// Create registers a new uninitialized session and its credential directory.
func (r *Registry) Create(ctx context.Context, id string) (model.SessionInfo, error) {
	if err := model.ValidateSessionID(id); err != nil {
		return model.SessionInfo{}, err
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return model.SessionInfo{}, model.ErrAlreadyExists
	}
	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
		r.mu.Unlock()
		return model.SessionInfo{}, model.ErrConcurrencyLimit
	}

	s := newSession(id, filepath.Join(r.opts.DataDir, id), r)
	// Operations queued behind creation must see the created event first.
	s.opMu.Lock()
	defer s.opMu.Unlock()
	r.sessions[id] = s
	r.mu.Unlock()

	if err := os.MkdirAll(s.dataDir, 0700); err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()

		s.mu.Lock()
		s.removed = true
		s.mu.Unlock()
		return model.SessionInfo{}, fmt.Errorf("failed to create session directory: %w", err)
	}

	s.mu.Lock()
	s.emitLocked(model.EventCreated, nil)
	info := s.infoLocked()
	s.mu.Unlock()

	r.log.Info().Str("session_id", id).Msg("Session created")
	return info, nil
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return s, nil
}

// Info returns a snapshot of one session.
func (r *Registry) Info(id string) (model.SessionInfo, error) {
	s, err := r.Get(id)
	if err != nil {
		return model.SessionInfo{}, err
	}
	return s.Info(), nil
}

// List returns a snapshot of every session sorted by id.
func (r *Registry) List() []model.SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]model.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Start connects the session.
func (r *Registry) Start(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// Stop disconnects the session.
func (r *Registry) Stop(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

// Send delivers a message through a ready session.
func (r *Registry) Send(ctx context.Context, id, to, body string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Send(ctx, to, body)
}

// History returns the latest messages of a chat of a ready session.
func (r *Registry) History(ctx context.Context, id, chatID string, limit int) ([]model.ChatMessage, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.History(ctx, chatID, limit)
}

// QRCode returns the scan token of a session waiting for one.
func (r *Registry) QRCode(id string) (string, error) {
	s, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return s.QRToken()
}

// Remove stops the session if it holds a client, deletes its credential
// directory, emits removed and only then frees the id. A Create of the same
// id during removal fails with ErrAlreadyExists.
func (r *Registry) Remove(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	s.requestStop()
	defer s.stopRequestDone()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.isRemoved() {
		return model.ErrSessionNotFound
	}

	if s.Info().State.HoldsHandle() {
		if err := s.stopLocked(ctx, "removed"); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(s.dataDir); err != nil {
		r.log.Warn().Err(err).Str("session_id", id).Msg("Failed to remove session directory")
	}
	s.markRemoved()

	// The id stays taken until the directory and status row are gone.
	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	r.log.Info().Str("session_id", id).Msg("Session removed")
	return nil
}

// Reconcile restores sessions recorded in the status store or present in
// the data directory. Sessions that held a client when the gateway went
// down come back disconnected. Nothing is started.
func (r *Registry) Reconcile(ctx context.Context, store StatusReader) (int, error) {
	restored := 0

	if store != nil {
		records, err := store.ListStatuses(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list session statuses: %w", err)
		}
		for _, rec := range records {
			if r.restore(rec) {
				restored++
			}
		}
	}

	entries, err := os.ReadDir(r.opts.DataDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return restored, fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec := model.StatusRecord{SessionID: entry.Name(), State: model.StateUninitialized}
		if r.restore(rec) {
			restored++
		}
	}

	if restored > 0 {
		r.log.Info().Int("count", restored).Msg("Reconciled sessions")
	}
	return restored, nil
}

// restore adds a session for rec unless one exists or the id is invalid.
func (r *Registry) restore(rec model.StatusRecord) bool {
	if err := model.ValidateSessionID(rec.SessionID); err != nil {
		r.log.Warn().Str("session_id", rec.SessionID).Msg("Skipping session with invalid id")
		return false
	}

	r.mu.Lock()
	if _, exists := r.sessions[rec.SessionID]; exists {
		r.mu.Unlock()
		return false
	}
	s := newSession(rec.SessionID, filepath.Join(r.opts.DataDir, rec.SessionID), r)
	s.opMu.Lock()
	defer s.opMu.Unlock()
	r.sessions[rec.SessionID] = s
	r.mu.Unlock()

	state := rec.State
	if !state.Valid() {
		state = model.StateDisconnected
	}
	s.restore(state, rec.ContactID, rec.LastChangedAt)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case state.HoldsHandle():
		s.transitionLocked(model.StateDisconnected, model.MustPayload(model.ReasonPayload{Reason: "gateway restarted"}))
	case rec.LastChangedAt.IsZero():
		// Found on disk only.
		s.emitLocked(model.EventCreated, nil)
	}
	return true
}

// Close stops every session. It returns once all are stopped or ctx ends.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.requestStop()
			defer s.stopRequestDone()

			s.opMu.Lock()
			defer s.opMu.Unlock()
			if s.Info().State.HoldsHandle() {
				_ = s.stopLocked(ctx, "gateway shutting down")
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
