// Package outbox writes outgoing messages locally first and propagates them
// to the remote store in the background.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/matheus3301/bazaar/internal/bus"
	"github.com/matheus3301/bazaar/internal/ids"
	"github.com/matheus3301/bazaar/internal/notify"
	"github.com/matheus3301/bazaar/internal/remote"
	"github.com/matheus3301/bazaar/internal/store"
	"github.com/matheus3301/bazaar/internal/worker"
)

// PreviewLength is the number of characters kept in a conversation preview.
const PreviewLength = 50

var (
	// ErrInFlight is returned by Push when the message is already being pushed.
	ErrInFlight = errors.New("push already in flight")
	// ErrEmptyBody rejects messages with no text.
	ErrEmptyBody = errors.New("message body is empty")
)

// Remote is the subset of the remote client used to propagate writes.
type Remote interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	CreateMessage(ctx context.Context, conversationRemoteID string, m *store.Message) error
	PatchConversationSummary(ctx context.Context, remoteID, preview string, at time.Time, senderID int64) error
}

// Connectivity receives what each remote call learned about reachability.
// Pushes always try the remote; a known outage does not suppress them.
type Connectivity interface {
	Report(reachable bool)
}

// Identity is the current user.
type Identity struct {
	ID   int64
	Name string
}

// Sender is the message pipeline.
type Sender struct {
	db     *store.DB
	remote Remote
	pool   *worker.Pool
	net    Connectivity
	notify *notify.Dispatcher
	self   Identity
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewSender creates a message pipeline.
func NewSender(db *store.DB, r Remote, pool *worker.Pool, net Connectivity, n *notify.Dispatcher, self Identity, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:       db,
		remote:   r,
		pool:     pool,
		net:      net,
		notify:   n,
		self:     self,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Preview truncates a message body for the conversation list.
func Preview(body string) string {
	if utf8.RuneCountInString(body) <= PreviewLength {
		return body
	}
	return string([]rune(body)[:PreviewLength]) + "..."
}

// Send stores the message with status sending and returns it at once.
// Remote delivery happens on the worker pool and is reported through a
// status-changed notification.
func (s *Sender) Send(ctx context.Context, conv *store.Conversation, body string) (*store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if conv == nil || conv.ID == 0 {
		return nil, fmt.Errorf("send: unknown conversation")
	}
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyBody
	}

	msg := &store.Message{
		RemoteID:       ids.NewRemoteID(),
		ConversationID: conv.ID,
		SenderID:       s.self.ID,
		SenderName:     s.self.Name,
		Body:           body,
		Type:           "text",
		Status:         store.StatusSending,
		CreatedAt:      time.UnixMilli(time.Now().UnixMilli()),
		SyncState:      store.SyncPending,
	}
	if _, err := s.db.InsertMessage(msg); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	if err := s.db.UpdateConversationSummary(conv.ID, Preview(body), msg.CreatedAt, msg.SenderID, false); err != nil {
		s.logger.Error("failed to update conversation summary", zap.Error(err), zap.Int64("conversation_id", conv.ID))
	}
	s.notify.LocalMessage(*msg)

	if s.claim(msg.RemoteID) {
		m := *msg
		if !s.pool.Submit(func(ctx context.Context) {
			defer s.release(m.RemoteID)
			_ = s.push(ctx, &m)
		}) {
			s.release(m.RemoteID)
		}
	}
	return msg, nil
}

// Push propagates an already stored message to the remote and records the
// outcome. It runs on the caller's goroutine. A message already being pushed
// is skipped with ErrInFlight.
func (s *Sender) Push(ctx context.Context, msg *store.Message) error {
	if !s.claim(msg.RemoteID) {
		return ErrInFlight
	}
	defer s.release(msg.RemoteID)
	return s.push(ctx, msg)
}

// InFlight reports whether a push for remoteID is running or queued.
func (s *Sender) InFlight(remoteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[remoteID]
	return ok
}

func (s *Sender) claim(remoteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[remoteID]; ok {
		return false
	}
	s.inflight[remoteID] = struct{}{}
	return true
}

func (s *Sender) release(remoteID string) {
	s.mu.Lock()
	delete(s.inflight, remoteID)
	s.mu.Unlock()
}

func (s *Sender) push(ctx context.Context, msg *store.Message) error {
	log := s.logger.With(zap.String("msg_id", msg.RemoteID), zap.Int64("conversation_id", msg.ConversationID))

	conv, err := s.db.GetConversation(msg.ConversationID)
	if err != nil {
		return fmt.Errorf("push: load conversation: %w", err)
	}
	if conv == nil {
		return s.fail(ctx, msg, fmt.Errorf("conversation %d not found", msg.ConversationID))
	}
	if conv.SyncState != store.SyncSynced {
		if err := s.PushConversation(ctx, conv); err != nil {
			return s.fail(ctx, msg, err)
		}
	}
	if err := s.remote.CreateMessage(ctx, conv.RemoteID, msg); err != nil {
		s.observe(ctx, err)
		return s.fail(ctx, msg, err)
	}
	s.net.Report(true)

	if err := s.db.SetMessageDelivery(msg.ID, store.StatusSent, store.SyncSynced); err != nil {
		log.Error("failed to record sent message", zap.Error(err))
		return err
	}
	msg.Status, msg.SyncState = store.StatusSent, store.SyncSynced
	s.notify.StatusChanged(statusChange(msg))
	log.Debug("message sent")

	if err := s.remote.PatchConversationSummary(ctx, conv.RemoteID, Preview(msg.Body), msg.CreatedAt, msg.SenderID); err != nil {
		log.Debug("remote summary update failed", zap.Error(err))
	}
	return nil
}

// fail marks the message failed unless the push was abandoned by shutdown,
// in which case the row stays pending for the next sweep.
func (s *Sender) fail(ctx context.Context, msg *store.Message, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Warn("message push failed", zap.String("msg_id", msg.RemoteID), zap.Error(cause))
	if err := s.db.SetMessageDelivery(msg.ID, store.StatusFailed, store.SyncError); err != nil {
		s.logger.Error("failed to record failed message", zap.Error(err), zap.String("msg_id", msg.RemoteID))
		return err
	}
	msg.Status, msg.SyncState = store.StatusFailed, store.SyncError
	s.notify.StatusChanged(statusChange(msg))
	s.notify.Error(&notify.SyncError{Op: "create message", RemoteID: msg.RemoteID, Err: cause})
	return cause
}

// PushConversation creates the conversation document remotely and records
// the outcome on the local row.
func (s *Sender) PushConversation(ctx context.Context, conv *store.Conversation) error {
	err := s.remote.CreateConversation(ctx, conv)
	s.observe(ctx, err)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("conversation push failed", zap.String("remote_id", conv.RemoteID), zap.Error(err))
		if serr := s.db.SetConversationSyncState(conv.ID, store.SyncError); serr != nil {
			return serr
		}
		conv.SyncState = store.SyncError
		s.notify.Error(&notify.SyncError{Op: "create conversation", RemoteID: conv.RemoteID, Err: err})
		return err
	}
	if err := s.db.SetConversationSyncState(conv.ID, store.SyncSynced); err != nil {
		return err
	}
	conv.SyncState = store.SyncSynced
	s.notify.Publish(bus.KindConversationSynced, *conv)
	return nil
}

func (s *Sender) observe(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
	case err == nil:
		s.net.Report(true)
	case remote.IsUnavailable(err):
		s.net.Report(false)
	}
}

func statusChange(m *store.Message) notify.StatusChange {
	return notify.StatusChange{
		MessageID:      m.ID,
		RemoteID:       m.RemoteID,
		ConversationID: m.ConversationID,
		Status:         m.Status,
		SyncState:      m.SyncState,
	}
}
