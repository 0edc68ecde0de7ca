package bus

import "time"

// Event kinds published by the engine.
const (
	ConversationChanged = "cache.conversation.changed"
	ConversationRemoved = "cache.conversation.removed"
	MessageChanged      = "cache.message.changed"
	MessageRemoved      = "cache.message.removed"
	CacheStale          = "cache.stale"

	ConnectionStatusChanged = "connection.status_changed"

	MutationFailed = "mutation.failed"

	SearchUpdated = "search.updated"
)

// Event is a change notification carried on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// EntityRef identifies the entity an event is about.
type EntityRef struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
}
