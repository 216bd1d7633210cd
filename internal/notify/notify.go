// Package notify delivers engine callbacks on one dedicated goroutine, in the
// order they were raised, and mirrors them onto the event bus.
package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/bazaar/internal/bus"
	"github.com/matheus3301/bazaar/internal/store"
)

// Listener receives engine notifications. Methods run on the dispatcher
// goroutine, one at a time, and should return quickly.
type Listener interface {
	MessageReceived(msg store.Message)
	MessageStatusChanged(change StatusChange)
	Error(err error)
}

// StatusChange reports a new delivery status for an outgoing message.
type StatusChange struct {
	MessageID      int64
	RemoteID       string
	ConversationID int64
	Status         store.DeliveryStatus
	SyncState      store.SyncState
}

// SyncError describes a failed remote operation.
type SyncError struct {
	Op       string
	RemoteID string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Funcs adapts plain functions to a Listener. Nil fields are ignored.
type Funcs struct {
	OnMessageReceived func(store.Message)
	OnStatusChanged   func(StatusChange)
	OnError           func(error)
}

func (f Funcs) MessageReceived(msg store.Message) {
	if f.OnMessageReceived != nil {
		f.OnMessageReceived(msg)
	}
}

func (f Funcs) MessageStatusChanged(c StatusChange) {
	if f.OnStatusChanged != nil {
		f.OnStatusChanged(c)
	}
}

func (f Funcs) Error(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

type notification struct {
	kind    string
	payload any
}

// Dispatcher queues notifications without bound and delivers them in FIFO
// order. Raising a notification never blocks.
type Dispatcher struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []notification
	listeners map[int]Listener
	nextID    int
	closed    bool
	done      chan struct{}
}

// NewDispatcher starts the delivery goroutine. b may be nil.
func NewDispatcher(b *bus.Bus, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		bus:       b,
		logger:    logger,
		listeners: make(map[int]Listener),
		done:      make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

// Add registers a listener and returns a function that removes it.
func (d *Dispatcher) Add(l Listener) (remove func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = l
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// LocalMessage announces an optimistic local record. It goes to the bus only.
func (d *Dispatcher) LocalMessage(msg store.Message) {
	d.enqueue(notification{kind: bus.KindMessageLocal, payload: msg})
}

// MessageReceived announces a message pulled from the remote.
func (d *Dispatcher) MessageReceived(msg store.Message) {
	d.enqueue(notification{kind: bus.KindMessageReceived, payload: msg})
}

// StatusChanged announces a delivery status update.
func (d *Dispatcher) StatusChanged(c StatusChange) {
	d.enqueue(notification{kind: bus.KindMessageStatusChanged, payload: c})
}

// Error announces a failed remote operation.
func (d *Dispatcher) Error(err error) {
	d.enqueue(notification{kind: bus.KindSyncError, payload: err})
}

// Publish mirrors an event onto the bus from the dispatcher goroutine, keeping
// it ordered with the callbacks around it.
func (d *Dispatcher) Publish(kind string, payload any) {
	d.enqueue(notification{kind: kind, payload: payload})
}

func (d *Dispatcher) enqueue(n notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Debug("notification after stop", zap.String("kind", n.kind))
		return
	}
	d.queue = append(d.queue, n)
	d.cond.Signal()
}

// Stop delivers everything already queued, then ends the goroutine.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify stop: %w", ctx.Err())
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		n := d.queue[0]
		d.queue[0] = notification{}
		d.queue = d.queue[1:]
		ls := make([]Listener, 0, len(d.listeners))
		for id := 0; id < d.nextID; id++ {
			if l, ok := d.listeners[id]; ok {
				ls = append(ls, l)
			}
		}
		d.mu.Unlock()

		for _, l := range ls {
			d.deliver(l, n)
		}
		if d.bus != nil {
			payload := n.payload
			if err, ok := payload.(error); ok {
				payload = err.Error()
			}
			d.bus.Publish(bus.NewEvent(n.kind, payload))
		}
	}
}

func (d *Dispatcher) deliver(l Listener, n notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("listener panicked", zap.String("kind", n.kind), zap.Any("panic", r))
		}
	}()
	switch n.kind {
	case bus.KindMessageReceived:
		l.MessageReceived(n.payload.(store.Message))
	case bus.KindMessageStatusChanged:
		l.MessageStatusChanged(n.payload.(StatusChange))
	case bus.KindSyncError:
		l.Error(n.payload.(error))
	}
}
