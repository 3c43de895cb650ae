package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multisession-gateway/backend/internal/model"
	"github.com/rs/zerolog"
)

// LogSink stores one system log line.
type LogSink interface {
	Insert(ctx context.Context, entry model.SystemLog) error
}

// StoreWriter is a zerolog writer that copies records at or above a minimum
// level into a LogSink. Records are queued and written by a background
// goroutine; when the queue is full the record is dropped so logging never
// blocks on the database.
type StoreWriter struct {
	sink     LogSink
	minLevel zerolog.Level
	timeout  time.Duration

	queue chan model.SystemLog
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewStoreWriter starts a StoreWriter with room for queueSize pending records.
func NewStoreWriter(sink LogSink, minLevel zerolog.Level, queueSize int) *StoreWriter {
	if queueSize <= 0 {
		queueSize = 1024
	}

	w := &StoreWriter{
		sink:     sink,
		minLevel: minLevel,
		timeout:  2 * time.Second,
		queue:    make(chan model.SystemLog, queueSize),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Write implements io.Writer. The level is read from the record itself.
func (w *StoreWriter) Write(p []byte) (int, error) {
	entry, level, err := parseRecord(p)
	if err != nil {
		return len(p), nil
	}
	if level < w.minLevel {
		return len(p), nil
	}
	w.enqueue(entry)
	return len(p), nil
}

// WriteLevel implements zerolog.LevelWriter.
func (w *StoreWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.minLevel || level == zerolog.NoLevel {
		return len(p), nil
	}
	entry, _, err := parseRecord(p)
	if err != nil {
		return len(p), nil
	}
	w.enqueue(entry)
	return len(p), nil
}

func (w *StoreWriter) enqueue(entry model.SystemLog) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.dropped.Add(1)
		return
	}

	select {
	case w.queue <- entry:
	default:
		w.dropped.Add(1)
	}
}

func (w *StoreWriter) run() {
	defer close(w.done)

	for entry := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := w.sink.Insert(ctx, entry); err != nil {
			w.failed.Add(1)
		}
		cancel()
	}
}

// Close stops accepting records and waits for the queue to drain.
func (w *StoreWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	return nil
}

// Dropped returns the number of records discarded because the queue was
// full or the writer was closed.
func (w *StoreWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Failed returns the number of records the sink rejected.
func (w *StoreWriter) Failed() uint64 {
	return w.failed.Load()
}

// decodeRecord decodes one zerolog JSON record into its fields.
func decodeRecord(p []byte) (map[string]interface{}, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode log record: %w", err)
	}
	return fields, nil
}

// parseRecord decodes one zerolog JSON record.
func parseRecord(p []byte) (model.SystemLog, zerolog.Level, error) {
	fields, err := decodeRecord(p)
	if err != nil {
		return model.SystemLog{}, zerolog.NoLevel, err
	}
	entry, level := systemLogFrom(fields)
	return entry, level, nil
}

func systemLogFrom(fields map[string]interface{}) (model.SystemLog, zerolog.Level) {
	entry := model.SystemLog{CreatedAt: time.Now()}

	level := zerolog.NoLevel
	if s, ok := fields[zerolog.LevelFieldName].(string); ok {
		if parsed, err := zerolog.ParseLevel(s); err == nil {
			level = parsed
		}
		entry.Level = s
	}
	if entry.Level == "" {
		entry.Level = zerolog.InfoLevel.String()
	}

	if s, ok := fields[zerolog.MessageFieldName].(string); ok {
		entry.Message = s
	}
	if s, ok := fields[zerolog.ErrorFieldName].(string); ok {
		if entry.Message == "" {
			entry.Message = s
		} else {
			entry.Message += ": " + s
		}
	}
	if s, ok := fields[SessionIDField].(string); ok {
		entry.SessionID = s
	}
	if s, ok := fields[zerolog.TimestampFieldName].(string); ok {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			entry.CreatedAt = ts
		}
	}

	return entry, level
}
