// Package inbox polls the remote store for messages from the other party and
// copies new ones into the local store.
package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/bazaar/internal/notify"
	"github.com/matheus3301/bazaar/internal/outbox"
	"github.com/matheus3301/bazaar/internal/remote"
	"github.com/matheus3301/bazaar/internal/store"
)

// DefaultInterval is the time between two polls of one conversation.
const DefaultInterval = 5 * time.Second

// Remote lists the messages stored under a conversation.
type Remote interface {
	ListMessages(ctx context.Context, conversationRemoteID string) ([]remote.Message, error)
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Poller runs at most one polling loop per conversation.
type Poller struct {
	db       *store.DB
	remote   Remote
	notify   *notify.Dispatcher
	self     int64
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	loops map[string]*loop
}

// NewPoller creates a poller that ignores messages sent by self.
func NewPoller(db *store.DB, r Remote, n *notify.Dispatcher, self int64, interval time.Duration, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		db:       db,
		remote:   r,
		notify:   n,
		self:     self,
		interval: interval,
		logger:   logger,
		loops:    make(map[string]*loop),
	}
}

// Start begins polling conv, first immediately and then on every interval.
// Starting a conversation that is already polled restarts its loop.
func (p *Poller) Start(conv *store.Conversation) error {
	if conv == nil || conv.ID == 0 || conv.RemoteID == "" {
		return fmt.Errorf("start polling: conversation has no remote id")
	}
	c := *conv
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	prev := p.loops[c.RemoteID]
	if prev != nil {
		prev.cancel()
	}
	p.loops[c.RemoteID] = l
	p.mu.Unlock()

	go p.run(ctx, l, prev, &c)
	return nil
}

// Stop cancels polling for a conversation. A tick already running finishes;
// no further tick starts. Stopping an idle conversation does nothing.
func (p *Poller) Stop(remoteID string) {
	p.mu.Lock()
	l := p.loops[remoteID]
	delete(p.loops, remoteID)
	p.mu.Unlock()
	if l != nil {
		l.cancel()
	}
}

// StopAll cancels every loop and waits for them to exit.
func (p *Poller) StopAll() {
	p.mu.Lock()
	loops := p.loops
	p.loops = make(map[string]*loop)
	p.mu.Unlock()
	for _, l := range loops {
		l.cancel()
	}
	for _, l := range loops {
		<-l.done
	}
}

// Active reports whether a conversation is being polled.
func (p *Poller) Active(remoteID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[remoteID]
	return ok
}

// ActiveIDs returns the remote ids of every polled conversation.
func (p *Poller) ActiveIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.loops))
	for id := range p.loops {
		out = append(out, id)
	}
	return out
}

func (p *Poller) run(ctx context.Context, l, prev *loop, conv *store.Conversation) {
	defer close(l.done)
	if prev != nil {
		<-prev.done
	}
	log := p.logger.With(zap.String("remote_id", conv.RemoteID))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		if n, err := p.Tick(ctx, conv); err != nil {
			log.Debug("poll failed", zap.Error(err))
		} else if n > 0 {
			log.Debug("received messages", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one poll of conv and returns how many messages were new.
func (p *Poller) Tick(ctx context.Context, conv *store.Conversation) (int, error) {
	latest, err := p.db.LatestMessageTime(conv.ID)
	if err != nil {
		return 0, fmt.Errorf("poll: latest local time: %w", err)
	}
	msgs, err := p.remote.ListMessages(ctx, conv.RemoteID)
	if err != nil {
		return 0, fmt.Errorf("poll: list messages: %w", err)
	}

	received := 0
	for _, rm := range msgs {
		if rm.SenderID == p.self {
			continue
		}
		exists, err := p.db.MessageExists(rm.RemoteID)
		if err != nil {
			return received, err
		}
		if exists {
			continue
		}
		if rm.CreatedAt.Before(latest) {
			p.logger.Debug("late message", zap.String("msg_id", rm.RemoteID), zap.Time("created_at", rm.CreatedAt))
		}
		m := &store.Message{
			RemoteID:       rm.RemoteID,
			ConversationID: conv.ID,
			SenderID:       rm.SenderID,
			SenderName:     rm.SenderName,
			Body:           rm.Body,
			Type:           rm.Type,
			Status:         store.StatusDelivered,
			CreatedAt:      rm.CreatedAt,
			SyncState:      store.SyncSynced,
		}
		inserted, err := p.db.InsertMessage(m)
		if err != nil {
			return received, err
		}
		if !inserted {
			continue
		}
		received++
		p.notify.MessageReceived(*m)
		if err := p.db.UpdateConversationSummary(conv.ID, outbox.Preview(m.Body), m.CreatedAt, m.SenderID, true); err != nil {
			return received, err
		}
	}
	return received, nil
}
