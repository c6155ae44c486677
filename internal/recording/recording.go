// Package recording implements the append-only session recording file:
// a JSON header line followed by one JSON-array event per line.
package recording

import (
	"fmt"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventKind enumerates the recording event types.
type EventKind string

const (
	EventOutput EventKind = "o"
	EventInput  EventKind = "i"
	EventResize EventKind = "r"
)

// Header is the first line of a recording file.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Command   []string          `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Writer appends events to a recording file, durably and in order.
// Timestamps are seconds-since-start, monotonic non-decreasing.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	start   time.Time
	closed  bool
	written int64
}

// Create opens path for append-only writing and writes the header line.
func Create(path string, h Header) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	h.Version = 2
	line, err := json.Marshal(h)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{f: f, start: time.Now(), written: int64(len(line) + 1)}, nil
}

// Size returns the number of bytes appended so far, including the
// header line. Streaming readers use it as a replay/live cutover
// offset: events already counted here must not be delivered again
// from a live subscription.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *Writer) elapsed() float64 {
	return time.Since(w.start).Seconds()
}

func (w *Writer) appendEvent(kind EventKind, payload interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	event := [3]interface{}{w.elapsed(), kind, payload}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	w.written += int64(len(line) + 1)
	return nil
}

// Output appends an "o" event carrying bytes read from the PTY.
func (w *Writer) Output(data []byte) error {
	return w.appendEvent(EventOutput, string(data))
}

// Input appends an "i" event carrying bytes sent to the PTY.
func (w *Writer) Input(data []byte) error {
	return w.appendEvent(EventInput, string(data))
}

// Resize appends an "r" event with a "COLSxROWS" payload.
func (w *Writer) Resize(cols, rows int) error {
	return w.appendEvent(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

// Exit appends the terminal ["exit", exitCode, sessionId] line and
// closes the file. Safe to call once; subsequent calls are no-ops.
func (w *Writer) Exit(exitCode int, sessionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	line, err := json.Marshal([3]interface{}{"exit", exitCode, sessionID})
	if err != nil {
		w.f.Close()
		w.closed = true
		return err
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		w.f.Close()
		w.closed = true
		return err
	}
	w.written += int64(len(line) + 1)
	err = w.f.Sync()
	w.closed = true
	return w.f.Close()
}

// Close releases the underlying file without writing an exit line. It
// is used when a recording write error has already put the session
// into a truncated state.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}
