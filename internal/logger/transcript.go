package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Transcript stream identifiers.
const (
	StreamIn  = "i" // frames written to the bridge
	StreamOut = "o" // frames read from the bridge
	StreamErr = "e" // bridge stderr lines
)

// TranscriptHeader is the first line of a transcript file.
type TranscriptHeader struct {
	Version   int      `json:"version"`
	SessionID string   `json:"session_id"`
	Timestamp int64    `json:"timestamp"`
	Command   []string `json:"command,omitempty"`
}

// TranscriptEntry is one recorded line.
// Format: [time_offset, stream, data]
type TranscriptEntry struct {
	TimeOffset float64
	Stream     string
	Data       string
}

// MarshalJSON encodes the entry as a three element array.
func (e TranscriptEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.Stream, e.Data})
}

// UnmarshalJSON decodes a three element array.
func (e *TranscriptEntry) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid entry format: expected 3 elements, got %d", len(arr))
	}

	timeOffset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	stream, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid stream type")
	}
	payload, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid entry data type")
	}

	e.TimeOffset = timeOffset
	e.Stream = stream
	e.Data = payload
	return nil
}

// Transcript records the stdio of one bridge process as JSON lines, each
// stamped with its offset from the start of the recording.
type Transcript struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
}

// NewTranscript creates a transcript file at filePath, appending if it exists.
func NewTranscript(filePath string) (*Transcript, error) {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript file: %w", err)
	}

	return &Transcript{
		writer:    file,
		file:      file,
		startTime: time.Now(),
	}, nil
}

// NewTranscriptWithWriter creates a Transcript that writes to w.
func NewTranscriptWithWriter(w io.Writer) *Transcript {
	return &Transcript{
		writer:    w,
		startTime: time.Now(),
	}
}

// WriteHeader writes the header line. Call it once before any entry.
func (t *Transcript) WriteHeader(sessionID string, command []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	header := TranscriptHeader{
		Version:   1,
		SessionID: sessionID,
		Timestamp: t.startTime.Unix(),
		Command:   command,
	}

	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// Record appends one line on the given stream.
func (t *Transcript) Record(stream string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := TranscriptEntry{
		TimeOffset: time.Since(t.startTime).Seconds(),
		Stream:     stream,
		Data:       string(data),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if _, err := t.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

// Close closes the underlying file if the transcript owns one.
func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		return t.file.Close()
	}
	return nil
}
