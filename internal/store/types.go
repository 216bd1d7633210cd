package store

import "time"

// SyncState tracks whether a local record is known to match the remote store.
type SyncState int

const (
	SyncPending SyncState = iota
	SyncSynced
	SyncError
)

var syncStateNames = map[SyncState]string{
	SyncPending: "pending",
	SyncSynced:  "synced",
	SyncError:   "error",
}

func (s SyncState) String() string {
	if n, ok := syncStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseSyncState decodes the persisted form of a sync state.
func ParseSyncState(s string) (SyncState, bool) {
	for k, v := range syncStateNames {
		if v == s {
			return k, true
		}
	}
	return SyncPending, false
}

// DeliveryStatus is the user-visible state of a message.
type DeliveryStatus int

const (
	StatusSending DeliveryStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

var deliveryNames = map[DeliveryStatus]string{
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
	StatusFailed:    "failed",
}

func (s DeliveryStatus) String() string {
	if n, ok := deliveryNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseDeliveryStatus decodes the persisted form of a delivery status.
func ParseDeliveryStatus(s string) (DeliveryStatus, bool) {
	for k, v := range deliveryNames {
		if v == s {
			return k, true
		}
	}
	return StatusSending, false
}

// Conversation is a 1:1 thread between two participants, optionally scoped
// to a topic (an order or listing). ParticipantA <= ParticipantB always.
type Conversation struct {
	ID               int64
	RemoteID         string
	ParticipantA     int64
	ParticipantB     int64
	TopicID          *int64
	ParticipantAName string
	ParticipantBName string
	TopicName        string
	LastMessage      string
	LastMessageTime  time.Time
	LastSenderID     int64
	UnreadCount      int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	SyncState        SyncState
}

// Other returns the participant that is not self.
func (c *Conversation) Other(self int64) int64 {
	if c.ParticipantA == self {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Message is a single chat message. RemoteID is generated client side and is
// the deduplication key against the remote store.
type Message struct {
	ID             int64
	RemoteID       string
	ConversationID int64
	SenderID       int64
	SenderName     string
	Body           string
	Type           string
	IsRead         bool
	ReadAt         time.Time
	Status         DeliveryStatus
	CreatedAt      time.Time
	SyncState      SyncState
}

// SearchResult holds a message and the conversation it belongs to.
type SearchResult struct {
	Message        Message
	ConversationID int64
	Snippet        string
}

// millis converts a time to the unix-millisecond form stored in SQLite.
// The zero time is stored as 0.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
