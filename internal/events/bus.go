// Package events provides a small typed event bus for the outbox core.
//
// UI layers and other collaborators subscribe to stay reactive without
// polling; the engine's triggers are enumerable here so tests can observe
// them without a real runtime.
package events

import (
	"sync"
	"time"

	"github.com/omrozmn/x-ear-sub004/internal/models"
)

// Type identifies an event emitted by the outbox core.
type Type string

const (
	OperationAdded     Type = "operation-added"
	OperationDuplicate Type = "operation-duplicate"
	OperationUpdated   Type = "operation-updated"
	OperationRemoved   Type = "operation-removed"
	OperationSucceeded Type = "operation-succeeded"
	OperationRenamed   Type = "operation-renamed"

	SyncStarted   Type = "sync-started"
	SyncCompleted Type = "sync-completed"
	SyncFailed    Type = "sync-failed"

	PendingUpdateChanged Type = "pending-update-changed"
	ConnectivityChanged  Type = "connectivity-changed"

	ConflictDetected Type = "conflict-detected"
	ConflictResolved Type = "conflict-resolved"
)

// Event is a single notification. Operation is set for operation-scoped
// events; Data carries event-specific fields.
type Event struct {
	Type      Type                   `json:"type"`
	Operation *models.Operation      `json:"operation,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Handler receives published events. Dispatch is synchronous: handlers run
// on the publisher's goroutine and must not block.
type Handler func(Event)

// Bus fans events out to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to all matching handlers. The timestamp is
// filled in if the caller left it zero.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	typed := make([]Handler, len(b.handlers[evt.Type]))
	copy(typed, b.handlers[evt.Type])
	all := make([]Handler, len(b.all))
	copy(all, b.all)
	b.mu.RUnlock()

	for _, h := range typed {
		h(evt)
	}
	for _, h := range all {
		h(evt)
	}
}
