// Package sync ties the local store and the remote document store together:
// conversation resolution, sending, polling and reconciliation sweeps.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/bazaar/internal/inbox"
	"github.com/matheus3301/bazaar/internal/netstate"
	"github.com/matheus3301/bazaar/internal/notify"
	"github.com/matheus3301/bazaar/internal/outbox"
	"github.com/matheus3301/bazaar/internal/store"
	"github.com/matheus3301/bazaar/internal/worker"
)

// ErrNotFound is returned for unknown local conversation ids.
var ErrNotFound = errors.New("conversation not found")

// Remote is the remote store surface used by the engine.
type Remote interface {
	outbox.Remote
	inbox.Remote
	FindConversations(ctx context.Context, participantKey string) ([]store.Conversation, error)
	Ping(ctx context.Context) error
}

// Directory resolves display names owned by other services.
type Directory interface {
	DisplayName(ctx context.Context, userID int64) (string, error)
	TopicName(ctx context.Context, topicID int64) (string, error)
}

// Options configures an Engine.
type Options struct {
	Self         outbox.Identity
	PollInterval time.Duration
}

// Engine is the messaging core. Construct one per profile and share it.
type Engine struct {
	db     *store.DB
	remote Remote
	dir    Directory
	net    *netstate.Machine
	pool   *worker.Pool
	notify *notify.Dispatcher
	self   outbox.Identity
	logger *zap.Logger

	sender *outbox.Sender
	poller *inbox.Poller

	sweepMu   gosync.Mutex
	closeOnce gosync.Once
	closed    chan struct{}
}

// NewEngine wires the pipeline, the poller and the sweeper around shared
// infrastructure. The engine takes ownership of pool and n: Close stops them.
func NewEngine(db *store.DB, r Remote, dir Directory, net *netstate.Machine, pool *worker.Pool, n *notify.Dispatcher, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		remote: r,
		dir:    dir,
		net:    net,
		pool:   pool,
		notify: n,
		self:   opts.Self,
		logger: logger,
		sender: outbox.NewSender(db, r, pool, net, n, opts.Self, logger.Named("outbox")),
		poller: inbox.NewPoller(db, r, n, opts.Self.ID, opts.PollInterval, logger.Named("inbox")),
		closed: make(chan struct{}),
	}
}

// Self returns the current user.
func (e *Engine) Self() outbox.Identity { return e.self }

// Online reports the last observed reachability of the remote.
func (e *Engine) Online() bool { return e.net.Online() }

// NetState returns the current reachability state.
func (e *Engine) NetState() netstate.State { return e.net.Current() }

// Counts returns how many conversations and messages are stored locally.
func (e *Engine) Counts() (conversations, messages int64, err error) {
	if conversations, err = e.db.ConversationCount(); err != nil {
		return 0, 0, err
	}
	messages, err = e.db.MessageCount()
	return conversations, messages, err
}

// AddListener registers UI callbacks and returns a function removing them.
func (e *Engine) AddListener(l notify.Listener) (remove func()) {
	return e.notify.Add(l)
}

// Conversation loads one conversation by local id.
func (e *Engine) Conversation(id int64) (*store.Conversation, error) {
	c, err := e.db.GetConversation(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return c, nil
}

// Conversations lists conversations, most recent activity first.
func (e *Engine) Conversations(limit, offset int) ([]store.Conversation, error) {
	return e.db.ListConversations(limit, offset)
}

// Messages lists messages of a conversation in chronological order.
// beforeMs of 0 returns the latest page.
func (e *Engine) Messages(conversationID, beforeMs int64, limit int) ([]store.Message, error) {
	return e.db.ListMessages(conversationID, beforeMs, limit)
}

// Search finds messages containing query, optionally within one conversation.
func (e *Engine) Search(query string, conversationID int64, limit int) ([]store.SearchResult, error) {
	return e.db.SearchMessages(query, conversationID, limit)
}

// MarkRead clears the unread counter and marks the other party's messages
// read. Read state is local only.
func (e *Engine) MarkRead(conversationID int64) (int64, error) {
	if _, err := e.Conversation(conversationID); err != nil {
		return 0, err
	}
	return e.db.MarkConversationRead(conversationID, e.self.ID, time.Now())
}

// Send stores a message and returns it before any remote call is made.
func (e *Engine) Send(ctx context.Context, conversationID int64, body string) (*store.Message, error) {
	conv, err := e.Conversation(conversationID)
	if err != nil {
		return nil, err
	}
	return e.sender.Send(ctx, conv, body)
}

// Listen starts polling a conversation for incoming messages.
func (e *Engine) Listen(conversationID int64) error {
	conv, err := e.Conversation(conversationID)
	if err != nil {
		return err
	}
	return e.poller.Start(conv)
}

// StopListening stops polling a conversation. Unknown or idle conversations
// are ignored.
func (e *Engine) StopListening(conversationID int64) error {
	conv, err := e.db.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conv != nil {
		e.poller.Stop(conv.RemoteID)
	}
	return nil
}

// StopAllListeners stops every polling loop and waits for them to exit.
func (e *Engine) StopAllListeners() {
	e.poller.StopAll()
}

// Listening returns the remote ids of polled conversations.
func (e *Engine) Listening() []string {
	return e.poller.ActiveIDs()
}

// Close stops polling, abandons queued remote work and flushes pending
// notifications, bounded by ctx. The store is left open for its owner.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() { close(e.closed) })
	e.poller.StopAll()
	return errors.Join(e.pool.Stop(ctx), e.notify.Stop(ctx))
}
