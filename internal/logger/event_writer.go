package logger

import (
	"sync"
	"sync/atomic"

	"github.com/multisession-gateway/backend/internal/model"
	"github.com/rs/zerolog"
)

// ComponentField is the field name under which component loggers tag records.
const ComponentField = "component"

// Broadcaster delivers events to live subscribers.
type Broadcaster interface {
	Broadcast(ev model.Event) int
}

// EventWriter is a zerolog writer that turns records at or above a minimum
// level into log events for live subscribers. Records queue until Start
// attaches the broadcaster and are delivered from a background goroutine,
// so a logger used inside Broadcast never re-enters it. A full queue drops
// the record.
type EventWriter struct {
	minLevel zerolog.Level

	queue chan model.Event
	done  chan struct{}
	once  sync.Once

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
}

// NewEventWriter creates an EventWriter with room for queueSize pending
// records.
func NewEventWriter(minLevel zerolog.Level, queueSize int) *EventWriter {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &EventWriter{
		minLevel: minLevel,
		queue:    make(chan model.Event, queueSize),
		done:     make(chan struct{}),
	}
}

// Start begins delivering queued records to b. Later calls are ignored.
func (w *EventWriter) Start(b Broadcaster) {
	w.once.Do(func() {
		go w.run(b)
	})
}

// Write implements io.Writer. The level is read from the record itself.
func (w *EventWriter) Write(p []byte) (int, error) {
	w.write(zerolog.NoLevel, p)
	return len(p), nil
}

// WriteLevel implements zerolog.LevelWriter.
func (w *EventWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level == zerolog.NoLevel || level < w.minLevel {
		return len(p), nil
	}
	w.write(level, p)
	return len(p), nil
}

func (w *EventWriter) write(level zerolog.Level, p []byte) {
	fields, err := decodeRecord(p)
	if err != nil {
		return
	}
	entry, parsed := systemLogFrom(fields)
	if level == zerolog.NoLevel {
		level = parsed
	}
	if level == zerolog.NoLevel || level < w.minLevel {
		return
	}

	component, _ := fields[ComponentField].(string)
	w.enqueue(model.Event{
		SessionID: entry.SessionID,
		Kind:      model.EventLog,
		Payload: model.MustPayload(model.LogPayload{
			Level:     entry.Level,
			Message:   entry.Message,
			Component: component,
		}),
		Timestamp: entry.CreatedAt,
	})
}

func (w *EventWriter) enqueue(ev model.Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.dropped.Add(1)
		return
	}

	select {
	case w.queue <- ev:
	default:
		w.dropped.Add(1)
	}
}

func (w *EventWriter) run(b Broadcaster) {
	defer close(w.done)

	for ev := range w.queue {
		b.Broadcast(ev)
	}
}

// Close stops accepting records. When started, it waits for the queue to
// drain.
func (w *EventWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	started := true
	w.once.Do(func() { started = false })
	if started {
		<-w.done
	}
	return nil
}

// Dropped returns the number of records discarded because the queue was
// full or the writer was closed.
func (w *EventWriter) Dropped() uint64 {
	return w.dropped.Load()
}
