// Package buffer keeps the tail of a process's diagnostic output.
package buffer

import (
	"bytes"
	"strings"
	"sync"
)

// LineRing is a thread-safe circular buffer of the most recent lines
// written to it. When full, the oldest line is discarded.
//
// The bridge client writes its subprocess stderr here so that the last
// lines can be attached to a disconnect reason.
type LineRing struct {
	lines    []string
	start    int
	count    int
	partial  []byte
	maxLine  int
	capacity int
	mu       sync.RWMutex
}

// NewLineRing creates a LineRing holding up to capacity lines, each cut to
// maxLine bytes. Non-positive values default to 1 line and 1024 bytes.
func NewLineRing(capacity, maxLine int) *LineRing {
	if capacity <= 0 {
		capacity = 1
	}
	if maxLine <= 0 {
		maxLine = 1024
	}
	return &LineRing{
		lines:    make([]string, capacity),
		maxLine:  maxLine,
		capacity: capacity,
	}
}

// Write splits p on newlines and stores every complete line. A trailing
// fragment is held until its newline arrives.
// This method implements io.Writer interface.
func (r *LineRing) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data := p
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			r.partial = append(r.partial, data...)
			if len(r.partial) > r.maxLine {
				r.partial = r.partial[:r.maxLine]
			}
			break
		}
		line := append(r.partial, data[:i]...)
		r.partial = nil
		r.push(string(line))
		data = data[i+1:]
	}

	return len(p), nil
}

// Add stores one line as is.
func (r *LineRing) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.push(line)
}

func (r *LineRing) push(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	if len(line) > r.maxLine {
		line = line[:r.maxLine]
	}

	idx := (r.start + r.count) % r.capacity
	r.lines[idx] = line
	if r.count < r.capacity {
		r.count++
	} else {
		r.start = (r.start + 1) % r.capacity
	}
}

// Lines returns a copy of the stored lines, oldest first.
func (r *LineRing) Lines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}

	result := make([]string, r.count)
	for i := 0; i < r.count; i++ {
		result[i] = r.lines[(r.start+i)%r.capacity]
	}
	return result
}

// String joins the stored lines with newlines.
func (r *LineRing) String() string {
	return strings.Join(r.Lines(), "\n")
}

// Last returns the most recent line, or "" if empty.
func (r *LineRing) Last() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return ""
	}
	return r.lines[(r.start+r.count-1)%r.capacity]
}

// Clear removes all lines.
func (r *LineRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.start = 0
	r.count = 0
	r.partial = nil
}

// Len returns the number of stored lines.
func (r *LineRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.count
}

// Cap returns the line capacity.
func (r *LineRing) Cap() int {
	return r.capacity
}
