package bus

import "time"

// Event kinds published by the sync engine. Subscribers filter by prefix,
// e.g. "message." or "net.".
const (
	KindMessageLocal         = "message.local"
	KindMessageReceived      = "message.received"
	KindMessageStatusChanged = "message.status_changed"
	KindConversationSynced   = "conversation.synced"
	KindSyncError            = "sync.error"
	KindSweepCompleted       = "sync.sweep_completed"
	KindNetStatusChanged     = "net.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
