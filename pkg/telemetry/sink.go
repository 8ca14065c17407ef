package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogrusSink writes events through a logrus entry.
type LogrusSink struct {
	Entry *logrus.Entry
}

// NewLogrusSink returns a sink writing to the package logger.
func NewLogrusSink() *LogrusSink {
	return &LogrusSink{Entry: log}
}

// Emit implements Sink.
func (s *LogrusSink) Emit(e Event) error {
	fields := logrus.Fields{
		"correlation_id": e.CorrelationID,
		"span":           e.Span,
		"kind":           e.Kind,
	}
	if e.ParentID != "" {
		fields["parent_id"] = e.ParentID
	}
	if e.Component != "" {
		fields["component"] = e.Component
	}
	if e.Outcome != "" {
		fields["outcome"] = e.Outcome
		fields["duration_ms"] = e.DurationMS
	}
	for k, v := range e.Fields {
		fields["f."+k] = v
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	s.Entry.WithFields(fields).Log(e.Level, msg)
	return nil
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (s *MemorySink) Emit(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of everything emitted so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Reset drops all stored events.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

// JSONLSink appends one JSON object per event to a file.
type JSONLSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// OpenJSONL opens (or creates) path for appending with owner-only
// permissions.
func OpenJSONL(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("telemetry: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open sink: %w", err)
	}
	return &JSONLSink{f: f, enc: json.NewEncoder(f)}, nil
}

// Emit implements Sink.
func (s *JSONLSink) Emit(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	return s.enc.Encode(e)
}

// Close closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
