package security

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// EventType defines the category of a security event
type EventType string

const (
	EventLoginSuccess EventType = "LOGIN_SUCCESS"
	EventLoginFailure EventType = "LOGIN_FAILURE"
	EventUserCreated  EventType = "USER_CREATED"
	EventUserUpdated  EventType = "USER_UPDATED"
	EventUserDeleted  EventType = "USER_DELETED"
	EventAccessDenied EventType = "ACCESS_DENIED"
	EventSystemStart  EventType = "SYSTEM_START"
	EventSystemStop   EventType = "SYSTEM_STOP"
)

// AuditEvent represents a single loggable security event
type AuditEvent struct {
	Timestamp time.Time              `json:"ts"`
	Type      EventType              `json:"type"`
	User      string                 `json:"user,omitempty"`
	RemoteIP  string                 `json:"ip,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditLogger appends security events as JSON lines to a log file. A
// logger with no backing file discards everything.
type AuditLogger struct {
	file *os.File
	mu   sync.Mutex
}

// NewAuditLogger creates a logger appending to the given path.
func NewAuditLogger(path string) (*AuditLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return &AuditLogger{file: file}, nil
}

// DiscardLogger returns a logger that writes nowhere.
func DiscardLogger() *AuditLogger {
	return &AuditLogger{}
}

// Log records an event. Failures fall back to stderr; the event log must
// never take the caller down.
func (l *AuditLogger) Log(evtType EventType, user, ip string, details map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		Type:      evtType,
		User:      user,
		RemoteIP:  ip,
		Details:   details,
	}
	if err := json.NewEncoder(l.file).Encode(event); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: failed to write event log: %v\n", err)
	}
}

// Close closes the log file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
