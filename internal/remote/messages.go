package remote

import (
	"context"
	"sort"
	"time"

	"github.com/matheus3301/bazaar/internal/store"
)

// Message is a message as stored remotely. ConversationID is the remote id
// of the parent conversation.
type Message struct {
	RemoteID       string
	ConversationID string
	SenderID       int64
	SenderName     string
	Body           string
	Type           string
	IsRead         bool
	CreatedAt      time.Time
}

// CreateMessage writes a message as a child of the conversation, keyed by
// the message's client-generated remote id.
func (c *Client) CreateMessage(ctx context.Context, conversationRemoteID string, m *store.Message) error {
	return c.CreateDocument(ctx, ConversationsCollection+"/"+conversationRemoteID+"/"+MessagesCollection, m.RemoteID, Fields{
		"id":             m.RemoteID,
		"conversationId": conversationRemoteID,
		"senderId":       m.SenderID,
		"senderName":     m.SenderName,
		"text":           m.Body,
		"type":           m.Type,
		"isRead":         m.IsRead,
		"createdAt":      m.CreatedAt,
	})
}

// ListMessages returns all messages under a conversation, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationRemoteID string) ([]Message, error) {
	docs, err := c.ListDocuments(ctx, ConversationsCollection+"/"+conversationRemoteID, MessagesCollection)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(docs))
	for i := range docs {
		d := &docs[i]
		m := Message{
			RemoteID:       d.String("id"),
			ConversationID: conversationRemoteID,
			SenderID:       d.Int("senderId"),
			SenderName:     d.String("senderName"),
			Body:           d.String("text"),
			Type:           d.String("type"),
			IsRead:         d.Bool("isRead"),
			CreatedAt:      d.Time("createdAt"),
		}
		if m.RemoteID == "" {
			m.RemoteID = d.ID
		}
		if m.Type == "" {
			m.Type = "text"
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = d.CreateTime
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}
