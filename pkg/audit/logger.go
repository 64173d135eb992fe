// Package audit records the governance trail: grants, revocations, intent
// transitions, denials, and isolation violations, as structured JSON lines
// on an injected writer.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/strataplane/warrant/pkg/contracts"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventGrant      EventType = "GRANT"
	EventRevoke     EventType = "REVOKE"
	EventEvaluation EventType = "EVALUATION"
	EventDenial     EventType = "DENIAL"
	EventTransition EventType = "TRANSITION"
	EventExecution  EventType = "EXECUTION"
	EventIsolation  EventType = "ISOLATION"
)

// Event is one structured audit record.
type Event struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	ActorID   string         `json:"actor_id"`
	SessionID string         `json:"session_id,omitempty"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events. Implementations must be safe for
// concurrent use.
type Logger interface {
	Record(rc contracts.RequestContext, eventType EventType, action, resource string, metadata map[string]any)
}

// logger writes structured JSON lines to a configurable writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer,
// allowing injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, clock: time.Now}
}

func (l *logger) Record(rc contracts.RequestContext, eventType EventType, action, resource string, metadata map[string]any) {
	event := Event{
		ID:        uuid.New().String(),
		TenantID:  rc.TenantID,
		ActorID:   rc.ActorID,
		SessionID: rc.SessionID,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.clock(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return
	}
	// Prefix with AUDIT: for easy filtering
	_, _ = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
}

// Nop is a Logger that discards everything.
type Nop struct{}

func (Nop) Record(contracts.RequestContext, EventType, string, string, map[string]any) {}
