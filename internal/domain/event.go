package domain

// EventType identifies a change event on the bus. The set is closed;
// Publish rejects unknown types.
type EventType string

const (
	EventTaskCreated       EventType = "task_created"
	EventTaskUpdated       EventType = "task_updated"
	EventTaskAssigned      EventType = "task_assigned"
	EventTaskStatusChanged EventType = "task_status_changed"
	EventTaskDeleted       EventType = "task_deleted"
	EventMessagePosted     EventType = "message_posted"
	EventPresenceUpdated   EventType = "presence_updated"
	EventMemoryWritten     EventType = "memory_written"
	EventInsightPromoted   EventType = "insight:promoted"
	EventInsightTriaged    EventType = "insight:triaged"
)

// ValidEventType reports whether t belongs to the closed event-type set.
func ValidEventType(t EventType) bool {
	switch t {
	case EventTaskCreated, EventTaskUpdated, EventTaskAssigned,
		EventTaskStatusChanged, EventTaskDeleted, EventMessagePosted,
		EventPresenceUpdated, EventMemoryWritten,
		EventInsightPromoted, EventInsightTriaged:
		return true
	}
	return false
}

// Event is an immutable record of a change. ID is assigned by the bus,
// monotonically increasing on a single logical stream.
type Event struct {
	ID        int64          `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Agent     string         `json:"agent,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}
