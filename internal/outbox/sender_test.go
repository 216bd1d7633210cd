package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/bazaar/internal/netstate"
	"github.com/matheus3301/bazaar/internal/notify"
	"github.com/matheus3301/bazaar/internal/remote"
	"github.com/matheus3301/bazaar/internal/remote/remotetest"
	"github.com/matheus3301/bazaar/internal/store"
	"github.com/matheus3301/bazaar/internal/worker"
)

type harness struct {
	db      *store.DB
	srv     *remotetest.Server
	net     *netstate.Machine
	pool    *worker.Pool
	sender  *Sender
	changes chan notify.StatusChange
	errs    chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	srv, base := remotetest.StartTest(t)
	client := remote.New(base, remote.WithTimeout(2*time.Second))

	h := &harness{
		db:      db,
		srv:     srv,
		net:     netstate.NewMachine(nil),
		pool:    worker.NewPool(3, nil),
		changes: make(chan notify.StatusChange, 16),
		errs:    make(chan error, 16),
	}
	d := notify.NewDispatcher(nil, nil)
	d.Add(notify.Funcs{
		OnStatusChanged: func(c notify.StatusChange) { h.changes <- c },
		OnError:         func(err error) { h.errs <- err },
	})
	t.Cleanup(func() {
		_ = h.pool.Stop(context.Background())
		_ = d.Stop(context.Background())
	})
	h.sender = NewSender(db, client, h.pool, h.net, d, Identity{ID: 5, Name: "Ana"}, nil)
	return h
}

func (h *harness) conversation(t *testing.T) *store.Conversation {
	t.Helper()
	c := &store.Conversation{RemoteID: "conv-5-9", ParticipantA: 5, ParticipantB: 9, SyncState: store.SyncPending}
	if err := h.db.InsertConversation(c); err != nil {
		t.Fatal(err)
	}
	return c
}

func (h *harness) waitChange(t *testing.T) notify.StatusChange {
	t.Helper()
	select {
	case c := <-h.changes:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for status change")
		return notify.StatusChange{}
	}
}

func TestSendSucceeds(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t)

	msg, err := h.sender.Send(context.Background(), conv, "Hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != store.StatusSending || msg.SyncState != store.SyncPending {
		t.Errorf("optimistic record = %s/%s, want sending/pending", msg.Status, msg.SyncState)
	}
	if msg.ID == 0 || msg.RemoteID == "" {
		t.Fatalf("message not persisted: %+v", msg)
	}

	c := h.waitChange(t)
	if c.Status != store.StatusSent || c.RemoteID != msg.RemoteID {
		t.Errorf("change = %+v, want sent for %s", c, msg.RemoteID)
	}

	got, err := h.db.GetMessage(msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusSent || got.SyncState != store.SyncSynced {
		t.Errorf("stored = %s/%s, want sent/synced", got.Status, got.SyncState)
	}
	// The unsynced conversation was created remotely before its message.
	if n := h.srv.Len("conversations"); n != 1 {
		t.Errorf("remote conversations = %d, want 1", n)
	}
	if n := h.srv.Len("conversations/conv-5-9/messages"); n != 1 {
		t.Errorf("remote messages = %d, want 1", n)
	}
	stored, _ := h.db.GetConversation(conv.ID)
	if stored.SyncState != store.SyncSynced {
		t.Errorf("conversation sync = %s, want synced", stored.SyncState)
	}
	if stored.LastMessage != "Hello" || stored.LastSenderID != 5 {
		t.Errorf("summary = %q by %d", stored.LastMessage, stored.LastSenderID)
	}
}

func TestSendFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t)
	h.srv.SetDown(true)

	msg, err := h.sender.Send(context.Background(), conv, "Hello")
	if err != nil {
		t.Fatal(err)
	}
	c := h.waitChange(t)
	if c.Status != store.StatusFailed || c.SyncState != store.SyncError {
		t.Errorf("change = %+v, want failed/error", c)
	}
	select {
	case err := <-h.errs:
		var se *notify.SyncError
		if !errors.As(err, &se) {
			t.Errorf("error callback = %T", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no error callback")
	}
	if h.net.Online() {
		t.Error("an unavailable remote should mark the network offline")
	}

	h.srv.SetDown(false)
	stored, _ := h.db.GetMessage(msg.ID)
	if err := h.sender.Push(context.Background(), stored); err != nil {
		t.Fatalf("retry: %v", err)
	}
	c = h.waitChange(t)
	if c.Status != store.StatusSent {
		t.Errorf("retry change = %+v, want sent", c)
	}
	if n, _ := h.db.MessageCount(); n != 1 {
		t.Errorf("local messages = %d, want 1", n)
	}
	// Retrying again is harmless on the remote side.
	stored, _ = h.db.GetMessage(msg.ID)
	if err := h.sender.Push(context.Background(), stored); err != nil {
		t.Fatal(err)
	}
	if n := h.srv.Len("conversations/conv-5-9/messages"); n != 1 {
		t.Errorf("remote messages = %d, want 1", n)
	}
}

func TestSendAfterOutageReachesRemote(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t)
	// A stale outage report must not keep a healthy remote from being used.
	h.net.Report(false)

	msg, err := h.sender.Send(context.Background(), conv, "back online")
	if err != nil {
		t.Fatal(err)
	}
	c := h.waitChange(t)
	if c.Status != store.StatusSent || c.RemoteID != msg.RemoteID {
		t.Errorf("change = %+v, want sent", c)
	}
	if !h.net.Online() {
		t.Error("a successful push should mark the network online")
	}
	if n := h.srv.Len("conversations/conv-5-9/messages"); n != 1 {
		t.Errorf("remote messages = %d, want 1", n)
	}
	stored, _ := h.db.GetConversation(conv.ID)
	if stored.SyncState != store.SyncSynced {
		t.Errorf("conversation sync = %s, want synced", stored.SyncState)
	}
}

func TestSendRejectsEmptyBody(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t)
	if _, err := h.sender.Send(context.Background(), conv, "   "); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("err = %v, want ErrEmptyBody", err)
	}
	if n, _ := h.db.MessageCount(); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
}

func TestPushSkipsInFlight(t *testing.T) {
	h := newHarness(t)
	if !h.sender.claim("m1") {
		t.Fatal("first claim failed")
	}
	if err := h.sender.Push(context.Background(), &store.Message{RemoteID: "m1"}); !errors.Is(err, ErrInFlight) {
		t.Errorf("err = %v, want ErrInFlight", err)
	}
	h.sender.release("m1")
	if h.sender.InFlight("m1") {
		t.Error("m1 still in flight after release")
	}
}

func TestPreview(t *testing.T) {
	fifty := strings.Repeat("a", 50)
	tests := []struct {
		name, in, want string
	}{
		{"short", "Hello", "Hello"},
		{"exactly 50", fifty, fifty},
		{"51", fifty + "b", fifty + "..."},
		{"multibyte", strings.Repeat("é", 51), strings.Repeat("é", 50) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preview(tt.in); got != tt.want {
				t.Errorf("Preview() = %q, want %q", got, tt.want)
			}
		})
	}
}
