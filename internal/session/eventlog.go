package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventLogger writes structured JSONL lifecycle events for one session.
// Only lifecycle metadata is recorded; transcript bodies and audio never
// touch disk.
type EventLogger struct {
	mu   sync.Mutex
	file *os.File
}

type eventRecord struct {
	Timestamp string            `json:"ts"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id"`
	State     string            `json:"state,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewEventLogger creates a logger under dir. Filename is timestamp plus the
// short session id.
func NewEventLogger(dir, sessionID string, started time.Time) (*EventLogger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	shortID := sessionID
	if len(sessionID) > 8 {
		shortID = sessionID[:8]
	}
	filename := filepath.Join(dir, fmt.Sprintf("%s_session_%s.jsonl", started.Format("20060102_150405"), shortID))
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &EventLogger{file: f}, nil
}

func (l *EventLogger) write(rec eventRecord) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	l.file.Write(append(data, '\n'))
}

// LogTransition records a state change.
func (l *EventLogger) LogTransition(sessionID string, from, to State, details map[string]string) {
	l.write(eventRecord{
		Event:     "transition",
		SessionID: sessionID,
		State:     string(to),
		Details:   mergeDetails(map[string]string{"from": string(from)}, details),
	})
}

// LogError records a surfaced error.
func (l *EventLogger) LogError(sessionID string, state State, errMsg string) {
	l.write(eventRecord{
		Event:     "error",
		SessionID: sessionID,
		State:     string(state),
		Error:     errMsg,
	})
}

// LogPromotion records a fallback transcript promotion.
func (l *EventLogger) LogPromotion(sessionID string, stage int, forced bool) {
	l.write(eventRecord{
		Event:     "fallback_promotion",
		SessionID: sessionID,
		Details: map[string]string{
			"stage":  fmt.Sprintf("%d", stage),
			"forced": fmt.Sprintf("%t", forced),
		},
	})
}

// Close releases the underlying file.
func (l *EventLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func mergeDetails(base, extra map[string]string) map[string]string {
	for k, v := range extra {
		base[k] = v
	}
	return base
}
