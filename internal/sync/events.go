package sync

import (
	"time"
)

// EventType names a sync notification.
type EventType string

const (
	EventMutationApplied EventType = "mutation_applied"
	EventDrainCompleted  EventType = "drain_completed"
	EventPullCompleted   EventType = "pull_completed"
	EventQuotaBlocked    EventType = "quota_blocked"
	EventLowStock        EventType = "low_stock"
)

// Event is a notification emitted by the engine for UI and operator collaborators.
type Event struct {
	Type  EventType `json:"type"`
	Owner string    `json:"owner"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data,omitempty"`
}

// EventHandler receives engine events. Handlers must not block.
type EventHandler interface {
	HandleEvent(event Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(event Event)

// HandleEvent implements EventHandler.
func (f EventHandlerFunc) HandleEvent(event Event) {
	f(event)
}
