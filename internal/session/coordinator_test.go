package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/multisession-gateway/backend/internal/db"
	"github.com/multisession-gateway/backend/internal/hub"
	"github.com/multisession-gateway/backend/internal/model"
	"github.com/multisession-gateway/backend/internal/repository"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *repository.StatusRepository {
	t.Helper()
	database, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return repository.NewStatusRepository(database)
}

// flakyStore fails every write while failing is set.
type flakyStore struct {
	failing atomic.Bool
	writes  atomic.Int32
}

func (s *flakyStore) err() error {
	s.writes.Add(1)
	if s.failing.Load() {
		return errors.New("database is locked")
	}
	return nil
}

func (s *flakyStore) UpsertStatus(ctx context.Context, rec model.StatusRecord) error { return s.err() }
func (s *flakyStore) DeleteStatus(ctx context.Context, id string) error               { return s.err() }
func (s *flakyStore) AppendEvent(ctx context.Context, rec model.EventRecord) error    { return s.err() }

type coordinatorMetrics struct {
	published atomic.Int32
	failures  atomic.Int32
}

func (m *coordinatorMetrics) EventPublished(kind model.EventKind) { m.published.Add(1) }
func (m *coordinatorMetrics) PersistenceFailed()                  { m.failures.Add(1) }

func TestCoordinator_PersistsLifecycleEvents(t *testing.T) {
	store := setupTestStore(t)
	h := hub.New(16, zerolog.Nop(), nil)
	defer h.Close()
	sub := h.Attach()

	coord := NewCoordinator(store, h, nil, time.Second, zerolog.Nop())
	r := NewRegistry(&fakeFactory{}, coord, nil, Options{DataDir: t.TempDir()}, zerolog.Nop())
	ctx := context.Background()

	_, err := r.Create(ctx, "s1")
	require.NoError(t, err)
	f := r.factory.(*fakeFactory)
	c := bringUp(t, r, f, "s1")
	c.handler.OnMessage(model.EventMessage, []byte(`{"body":"hi"}`))

	rec, err := store.GetStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, rec.State)
	assert.Equal(t, "15551234567", rec.ContactID)

	events, total, err := store.ListEvents(ctx, model.Page{Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, 5, total, "message events are not persisted")
	for _, ev := range events {
		assert.True(t, ev.Kind.Lifecycle())
	}

	// subscribers see every event, lifecycle and message alike
	var kinds []model.EventKind
	for i := 0; i < 6; i++ {
		select {
		case ev := <-sub.Events():
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events", i)
		}
	}
	assert.Equal(t, []model.EventKind{
		model.EventCreated,
		model.EventStarting,
		model.EventQR,
		model.EventAuthenticated,
		model.EventReady,
		model.EventMessage,
	}, kinds)

	require.NoError(t, r.Remove(ctx, "s1"))
	_, err = store.GetStatus(ctx, "s1")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestCoordinator_PersistenceFailureDoesNotBlock(t *testing.T) {
	store := &flakyStore{}
	store.failing.Store(true)
	metrics := &coordinatorMetrics{}
	h := hub.New(16, zerolog.Nop(), nil)
	defer h.Close()
	sub := h.Attach()

	coord := NewCoordinator(store, h, metrics, time.Second, zerolog.Nop())
	r := NewRegistry(&fakeFactory{}, coord, nil, Options{DataDir: t.TempDir()}, zerolog.Nop())
	ctx := context.Background()

	_, err := r.Create(ctx, "s1")
	require.NoError(t, err, "a store failure must not fail the operation")
	require.NoError(t, r.Start(ctx, "s1"))
	assert.Equal(t, model.StateStarting, state(t, r, "s1"))

	assert.Len(t, sub.Events(), 2, "events are still broadcast")
	assert.True(t, coord.Degraded())

	health := coord.Health()
	assert.Equal(t, int64(2), health.PersistenceFailures)
	assert.Contains(t, health.LastError, "persistence degraded")
	assert.Equal(t, int32(2), metrics.failures.Load())
	assert.Equal(t, int32(2), metrics.published.Load())

	store.failing.Store(false)
	require.NoError(t, r.Stop(ctx, "s1"))
	assert.False(t, coord.Degraded(), "a successful write clears the flag")
	assert.Equal(t, int64(2), coord.Health().PersistenceFailures)
}

func TestCoordinator_MessageEventsSkipStore(t *testing.T) {
	store := &flakyStore{}
	coord := NewCoordinator(store, nil, nil, time.Second, zerolog.Nop())

	coord.Emit(model.Event{SessionID: "s1", Seq: 1, Kind: model.EventMessageAck})
	assert.Equal(t, int32(0), store.writes.Load())

	coord.Emit(model.Event{SessionID: "s1", Seq: 2, Kind: model.EventReady, State: model.StateReady})
	assert.Equal(t, int32(2), store.writes.Load())
}

func TestRegistry_Reconcile(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	dataDir := t.TempDir()
	changed := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)

	for _, rec := range []model.StatusRecord{
		{SessionID: "was-ready", State: model.StateReady, ContactID: "15550001111", LastChangedAt: changed},
		{SessionID: "was-stopped", State: model.StateDisconnected, LastChangedAt: changed},
		{SessionID: "never-started", State: model.StateUninitialized, LastChangedAt: changed},
	} {
		require.NoError(t, store.UpsertStatus(ctx, rec))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "disk-only"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "was-ready"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "bad id!"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "stray.txt"), nil, 0600))

	coord := NewCoordinator(store, nil, nil, time.Second, zerolog.Nop())
	factory := &fakeFactory{}
	r := NewRegistry(factory, coord, nil, Options{DataDir: dataDir}, zerolog.Nop())

	n, err := r.Reconcile(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 0, factory.count(), "reconcile must not start sessions")

	list := r.List()
	require.Len(t, list, 4)
	got := map[string]model.SessionInfo{}
	for _, info := range list {
		got[info.ID] = info
	}

	assert.Equal(t, model.StateDisconnected, got["was-ready"].State)
	assert.Equal(t, "15550001111", got["was-ready"].ContactID)
	assert.Equal(t, model.StateDisconnected, got["was-stopped"].State)
	assert.Equal(t, changed, got["was-stopped"].UpdatedAt.UTC())
	assert.Equal(t, model.StateUninitialized, got["never-started"].State)
	assert.Equal(t, model.StateUninitialized, got["disk-only"].State)

	// restored state is persisted
	rec, err := store.GetStatus(ctx, "was-ready")
	require.NoError(t, err)
	assert.Equal(t, model.StateDisconnected, rec.State)
	rec, err = store.GetStatus(ctx, "disk-only")
	require.NoError(t, err)
	assert.Equal(t, model.StateUninitialized, rec.State)

	// a second pass finds nothing new
	n, err = r.Reconcile(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// restored sessions behave like any other
	require.NoError(t, r.Start(ctx, "was-ready"))
	assert.Equal(t, model.StateStarting, state(t, r, "was-ready"))
}

func TestRegistry_CreateDuringRemove(t *testing.T) {
	store := setupTestStore(t)
	coord := NewCoordinator(store, nil, nil, time.Second, zerolog.Nop())
	r := NewRegistry(&fakeFactory{}, coord, nil, Options{DataDir: t.TempDir()}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Create(ctx, "a")
		require.NoError(t, err)

		// A large credential directory keeps Remove busy for a while.
		dir := filepath.Join(r.opts.DataDir, "a")
		for n := 0; n < 2000; n++ {
			require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("key-%d", n)), []byte("x"), 0600))
		}

		removed := make(chan error, 1)
		go func() { removed <- r.Remove(ctx, "a") }()

		var createErr error
		for {
			_, createErr = r.Create(ctx, "a")
			if createErr == nil {
				break
			}
			require.ErrorIs(t, createErr, model.ErrAlreadyExists)
		}
		require.NoError(t, <-removed)

		_, err = os.Stat(dir)
		assert.NoError(t, err, "re-created session keeps its credential directory")

		rec, err := store.GetStatus(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, rec, "re-created session keeps its status row")
		assert.Equal(t, model.StateUninitialized, rec.State)

		events, _, err := store.ListEvents(ctx, model.Page{Limit: 1, Search: "a"})
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, model.EventCreated, events[0].Kind, "last persisted event is the new created")

		require.NoError(t, r.Remove(ctx, "a"))
	}
}
