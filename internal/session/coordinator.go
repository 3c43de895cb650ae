package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multisession-gateway/backend/internal/logger"
	"github.com/multisession-gateway/backend/internal/model"
	"github.com/rs/zerolog"
)

// StatusStore persists session statuses and the event log.
type StatusStore interface {
	UpsertStatus(ctx context.Context, rec model.StatusRecord) error
	DeleteStatus(ctx context.Context, id string) error
	AppendEvent(ctx context.Context, rec model.EventRecord) error
}

// Broadcaster delivers events to subscribers.
type Broadcaster interface {
	Broadcast(ev model.Event) int
}

// CoordinatorMetrics receives event counts. A nil value is allowed.
type CoordinatorMetrics interface {
	EventPublished(kind model.EventKind)
	PersistenceFailed()
}

// Health reports the coordinator's persistence status.
type Health struct {
	Degraded            bool   `json:"degraded"`
	PersistenceFailures int64  `json:"persistenceFailures"`
	LastError           string `json:"lastError,omitempty"`
}

// Coordinator persists lifecycle events and then broadcasts every event.
// It implements EventSink.
type Coordinator struct {
	store          StatusStore
	hub            Broadcaster
	metrics        CoordinatorMetrics
	persistTimeout time.Duration
	log            zerolog.Logger

	degraded atomic.Bool
	failures atomic.Int64

	mu        sync.Mutex
	lastError string
}

// NewCoordinator creates a coordinator. store and metrics may be nil.
func NewCoordinator(store StatusStore, hub Broadcaster, metrics CoordinatorMetrics, persistTimeout time.Duration, log zerolog.Logger) *Coordinator {
	if persistTimeout <= 0 {
		persistTimeout = 2 * time.Second
	}
	return &Coordinator{
		store:          store,
		hub:            hub,
		metrics:        metrics,
		persistTimeout: persistTimeout,
		log:            logger.Component(log, "coordinator"),
	}
}

// Emit persists ev if it is a lifecycle event, then broadcasts it. A
// persistence failure is logged and never blocks the broadcast.
func (c *Coordinator) Emit(ev model.Event) {
	if ev.Kind.Lifecycle() && c.store != nil {
		if err := c.persist(ev); err != nil {
			c.persistFailed(ev, err)
		} else if c.degraded.CompareAndSwap(true, false) {
			c.log.Info().Msg("Status store recovered")
		}
	}

	if c.metrics != nil {
		c.metrics.EventPublished(ev.Kind)
	}
	if c.hub != nil {
		c.hub.Broadcast(ev)
	}
}

func (c *Coordinator) persist(ev model.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
	defer cancel()

	if ev.Kind == model.EventRemoved {
		if err := c.store.DeleteStatus(ctx, ev.SessionID); err != nil {
			return fmt.Errorf("failed to delete status: %w", err)
		}
	} else {
		err := c.store.UpsertStatus(ctx, model.StatusRecord{
			SessionID:     ev.SessionID,
			State:         ev.State,
			ContactID:     ev.ContactID,
			LastChangedAt: ev.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert status: %w", err)
		}
	}

	err := c.store.AppendEvent(ctx, model.EventRecord{
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		Kind:      ev.Kind,
		Detail:    ev.Detail(),
		CreatedAt: ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (c *Coordinator) persistFailed(ev model.Event, err error) {
	err = fmt.Errorf("%w: %v", model.ErrPersistenceDegraded, err)

	c.failures.Add(1)
	c.degraded.Store(true)
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.PersistenceFailed()
	}

	c.log.Error().Err(err).
		Str("session_id", ev.SessionID).
		Str("kind", string(ev.Kind)).
		Uint64("seq", ev.Seq).
		Msg("Failed to persist session event")
}

// Degraded reports whether the last status store write failed.
func (c *Coordinator) Degraded() bool {
	return c.degraded.Load()
}

// Health returns a snapshot of the persistence status.
func (c *Coordinator) Health() Health {
	c.mu.Lock()
	lastError := c.lastError
	c.mu.Unlock()

	return Health{
		Degraded:            c.degraded.Load(),
		PersistenceFailures: c.failures.Load(),
		LastError:           lastError,
	}
}
