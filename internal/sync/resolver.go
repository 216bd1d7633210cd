package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/bazaar/internal/ids"
	"github.com/matheus3301/bazaar/internal/remote"
	"github.com/matheus3301/bazaar/internal/store"
)

// ErrSelfConversation rejects resolving a conversation with oneself.
var ErrSelfConversation = errors.New("cannot open a conversation with yourself")

// Resolve returns the conversation between the current user and other,
// optionally scoped to a topic, creating it if needed. A nil topic and a
// set topic are different conversations.
//
// Lookup order: local store, then the remote store, then a new local
// conversation whose remote creation runs in the background. The remote
// lookup is always attempted; a remote match takes precedence over creating.
func (e *Engine) Resolve(ctx context.Context, other int64, topic *int64) (*store.Conversation, error) {
	if other == e.self.ID {
		return nil, ErrSelfConversation
	}
	a, b := ids.Canonical(e.self.ID, other)
	log := e.logger.With(zap.String("participant_key", ids.ParticipantKey(a, b)))

	conv, err := e.db.FindConversation(a, b, topic)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	if conv != nil {
		return conv, nil
	}

	found, err := e.findRemote(ctx, a, b, topic)
	switch {
	case err != nil:
		log.Debug("remote lookup failed", zap.Error(err))
	case found != nil:
		log.Info("adopting remote conversation", zap.String("remote_id", found.RemoteID))
		return e.insertOrReload(found)
	}

	conv = e.newConversation(ctx, a, b, topic)
	if err := e.db.InsertConversation(conv); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return e.reload(conv)
		}
		return nil, fmt.Errorf("resolve: %w", err)
	}
	log.Info("created conversation", zap.String("remote_id", conv.RemoteID), zap.Int64("conversation_id", conv.ID))

	c := *conv
	e.pool.Submit(func(ctx context.Context) {
		_ = e.sender.PushConversation(ctx, &c)
	})
	return conv, nil
}

// findRemote returns the oldest remote conversation for the pair and topic.
func (e *Engine) findRemote(ctx context.Context, a, b int64, topic *int64) (*store.Conversation, error) {
	convs, err := e.remote.FindConversations(ctx, ids.ParticipantKey(a, b))
	if err != nil {
		if remote.IsUnavailable(err) && ctx.Err() == nil {
			e.net.Report(false)
		}
		return nil, err
	}
	e.net.Report(true)
	for i := range convs {
		if sameTopic(convs[i].TopicID, topic) {
			c := convs[i]
			c.SyncState = store.SyncSynced
			c.UnreadCount = 0
			return &c, nil
		}
	}
	return nil, nil
}

func (e *Engine) insertOrReload(c *store.Conversation) (*store.Conversation, error) {
	if err := e.db.InsertConversation(c); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return e.reload(c)
		}
		return nil, fmt.Errorf("resolve: %w", err)
	}
	return c, nil
}

// reload returns the row that won a uniqueness race against c.
func (e *Engine) reload(c *store.Conversation) (*store.Conversation, error) {
	existing, err := e.db.FindConversation(c.ParticipantA, c.ParticipantB, c.TopicID)
	if err == nil && existing == nil {
		existing, err = e.db.GetConversationByRemoteID(c.RemoteID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("resolve: conflicting conversation vanished")
	}
	return existing, nil
}

// newConversation snapshots display names. The directory is skipped while
// the remote is marked offline.
func (e *Engine) newConversation(ctx context.Context, a, b int64, topic *int64) *store.Conversation {
	conv := &store.Conversation{
		RemoteID:         ids.NewRemoteID(),
		ParticipantA:     a,
		ParticipantB:     b,
		TopicID:          topic,
		ParticipantAName: e.displayName(ctx, a),
		ParticipantBName: e.displayName(ctx, b),
		SyncState:        store.SyncPending,
	}
	if topic != nil {
		conv.TopicName = e.topicName(ctx, *topic)
	}
	return conv
}

func (e *Engine) displayName(ctx context.Context, id int64) string {
	if id == e.self.ID && e.self.Name != "" {
		return e.self.Name
	}
	if e.dir != nil && e.net.Online() {
		name, err := e.dir.DisplayName(ctx, id)
		if err == nil && name != "" {
			return name
		}
		if err != nil {
			e.logger.Debug("display name lookup failed", zap.Int64("user_id", id), zap.Error(err))
		}
	}
	return fmt.Sprintf("User %d", id)
}

func (e *Engine) topicName(ctx context.Context, id int64) string {
	if e.dir != nil && e.net.Online() {
		name, err := e.dir.TopicName(ctx, id)
		if err == nil && name != "" {
			return name
		}
	}
	return fmt.Sprintf("Order #%d", id)
}

func sameTopic(x, y *int64) bool {
	if x == nil || y == nil {
		return x == nil && y == nil
	}
	return *x == *y
}
