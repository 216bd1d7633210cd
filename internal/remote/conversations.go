package remote

import (
	"context"
	"sort"
	"time"

	"github.com/matheus3301/bazaar/internal/ids"
	"github.com/matheus3301/bazaar/internal/store"
)

const (
	ConversationsCollection = "conversations"
	MessagesCollection      = "messages"
)

// CreateConversation writes the conversation document keyed by its remote id.
func (c *Client) CreateConversation(ctx context.Context, conv *store.Conversation) error {
	return c.CreateDocument(ctx, ConversationsCollection, conv.RemoteID, conversationFields(conv))
}

// FindConversations returns the remote conversations between the pair
// encoded in participantKey, oldest first. Several can exist when two
// devices created the pair concurrently.
func (c *Client) FindConversations(ctx context.Context, participantKey string) ([]store.Conversation, error) {
	docs, err := c.RunQuery(ctx, ConversationsCollection, "participantKey", participantKey)
	if err != nil {
		return nil, err
	}
	convs := make([]store.Conversation, 0, len(docs))
	for i := range docs {
		convs = append(convs, conversationFromDoc(&docs[i]))
	}
	sort.SliceStable(convs, func(i, j int) bool { return convs[i].CreatedAt.Before(convs[j].CreatedAt) })
	return convs, nil
}

// PatchConversationSummary updates the last-message fields of a remote
// conversation.
func (c *Client) PatchConversationSummary(ctx context.Context, remoteID, preview string, at time.Time, senderID int64) error {
	return c.PatchDocument(ctx, ConversationsCollection+"/"+remoteID, Fields{
		"lastMessage":     preview,
		"lastMessageTime": at,
		"lastSenderId":    senderID,
		"updatedAt":       time.Now(),
	})
}

func conversationFields(c *store.Conversation) Fields {
	return Fields{
		"id":               c.RemoteID,
		"participantA":     c.ParticipantA,
		"participantB":     c.ParticipantB,
		"participantKey":   ids.ParticipantKey(c.ParticipantA, c.ParticipantB),
		"topicId":          c.TopicID,
		"participantAName": c.ParticipantAName,
		"participantBName": c.ParticipantBName,
		"topicName":        c.TopicName,
		"lastMessage":      c.LastMessage,
		"lastMessageTime":  c.LastMessageTime,
		"lastSenderId":     c.LastSenderID,
		"createdAt":        c.CreatedAt,
		"updatedAt":        c.UpdatedAt,
	}
}

func conversationFromDoc(d *Document) store.Conversation {
	remoteID := d.String("id")
	if remoteID == "" {
		remoteID = d.ID
	}
	a, b := d.Int("participantA"), d.Int("participantB")
	nameA, nameB := d.String("participantAName"), d.String("participantBName")
	if a > b {
		a, b = b, a
		nameA, nameB = nameB, nameA
	}
	created := d.Time("createdAt")
	if created.IsZero() {
		created = d.CreateTime
	}
	return store.Conversation{
		RemoteID:         remoteID,
		ParticipantA:     a,
		ParticipantB:     b,
		TopicID:          d.IntPtr("topicId"),
		ParticipantAName: nameA,
		ParticipantBName: nameB,
		TopicName:        d.String("topicName"),
		LastMessage:      d.String("lastMessage"),
		LastMessageTime:  d.Time("lastMessageTime"),
		LastSenderID:     d.Int("lastSenderId"),
		CreatedAt:        created,
		UpdatedAt:        d.Time("updatedAt"),
		SyncState:        store.SyncSynced,
	}
}
