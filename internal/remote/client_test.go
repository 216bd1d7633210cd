package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/matheus3301/bazaar/internal/remote/remotetest"
	"github.com/matheus3301/bazaar/internal/store"
)

func testClient(t *testing.T) (*Client, *remotetest.Server) {
	t.Helper()
	srv, base := remotetest.StartTest(t)
	return New(base, WithTimeout(5*time.Second)), srv
}

func TestCreateDocumentIdempotent(t *testing.T) {
	c, srv := testClient(t)
	ctx := context.Background()

	fields := Fields{"title": "Bike", "price": int64(120)}
	if err := c.CreateDocument(ctx, "orders", "42", fields); err != nil {
		t.Fatal(err)
	}
	// A retried create of an existing document is a no-op.
	if err := c.CreateDocument(ctx, "orders", "42", fields); err != nil {
		t.Fatalf("retried create: %v", err)
	}
	if n := srv.Len("orders"); n != 1 {
		t.Errorf("orders = %d, want 1", n)
	}

	doc, err := c.GetDocument(ctx, "orders/42")
	if err != nil {
		t.Fatal(err)
	}
	if doc.ID != "42" || doc.String("title") != "Bike" || doc.Int("price") != 120 {
		t.Errorf("doc = %+v", doc)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	c, _ := testClient(t)
	_, err := c.GetDocument(context.Background(), "orders/missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestValueRoundTrip(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 12, 30, 0, 123000000, time.UTC)
	topic := int64(7)
	in := Fields{
		"s":      "hello",
		"i":      int64(-3),
		"b":      true,
		"f":      1.5,
		"t":      ts,
		"ptr":    &topic,
		"nilptr": (*int64)(nil),
		"null":   nil,
	}
	if err := c.CreateDocument(ctx, "things", "x", in); err != nil {
		t.Fatal(err)
	}
	d, err := c.GetDocument(ctx, "things/x")
	if err != nil {
		t.Fatal(err)
	}
	if d.String("s") != "hello" || d.Int("i") != -3 || !d.Bool("b") {
		t.Errorf("scalars = %v", d.Fields)
	}
	if f, _ := d.Fields["f"].(float64); f != 1.5 {
		t.Errorf("f = %v, want 1.5", d.Fields["f"])
	}
	if !d.Time("t").Equal(ts) {
		t.Errorf("t = %v, want %v", d.Time("t"), ts)
	}
	if p := d.IntPtr("ptr"); p == nil || *p != 7 {
		t.Errorf("ptr = %v, want 7", p)
	}
	if d.IntPtr("nilptr") != nil {
		t.Error("nilptr should decode as nil")
	}
	if v, ok := d.Fields["null"]; !ok || v != nil {
		t.Errorf("null = %v (present=%v), want nil", v, ok)
	}
}

func TestFindConversationsByParticipantKey(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	older := &store.Conversation{RemoteID: "conv-old", ParticipantA: 5, ParticipantB: 9, CreatedAt: time.UnixMilli(1000)}
	newer := &store.Conversation{RemoteID: "conv-new", ParticipantA: 5, ParticipantB: 9, CreatedAt: time.UnixMilli(2000)}
	other := &store.Conversation{RemoteID: "conv-other", ParticipantA: 1, ParticipantB: 9, CreatedAt: time.UnixMilli(500)}
	for _, conv := range []*store.Conversation{newer, other, older} {
		if err := c.CreateConversation(ctx, conv); err != nil {
			t.Fatal(err)
		}
	}

	found, err := c.FindConversations(ctx, "5_9")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("found %d, want 2", len(found))
	}
	if found[0].RemoteID != "conv-old" || found[1].RemoteID != "conv-new" {
		t.Errorf("order = [%s %s], want oldest first", found[0].RemoteID, found[1].RemoteID)
	}
	if found[0].SyncState != store.SyncSynced || found[0].TopicID != nil {
		t.Errorf("decoded = %+v", found[0])
	}

	none, err := c.FindConversations(ctx, "100_200")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("found %d for unknown pair, want 0", len(none))
	}
}

func TestFindConversationsCanonicalizesReversedPair(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	// Written by another client with the larger id first.
	fields := Fields{
		"id":               "conv-rev",
		"participantA":     int64(9),
		"participantB":     int64(5),
		"participantKey":   "5_9",
		"participantAName": "Bruno",
		"participantBName": "Ana",
		"createdAt":        time.UnixMilli(1000),
	}
	if err := c.CreateDocument(ctx, ConversationsCollection, "conv-rev", fields); err != nil {
		t.Fatal(err)
	}

	found, err := c.FindConversations(ctx, "5_9")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 {
		t.Fatalf("found %d, want 1", len(found))
	}
	got := found[0]
	if got.ParticipantA != 5 || got.ParticipantAName != "Ana" || got.ParticipantB != 9 || got.ParticipantBName != "Bruno" {
		t.Errorf("decoded = %d %q / %d %q, want 5 Ana / 9 Bruno",
			got.ParticipantA, got.ParticipantAName, got.ParticipantB, got.ParticipantBName)
	}
}

func TestMessagesListChildren(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	conv := &store.Conversation{RemoteID: "conv-1", ParticipantA: 5, ParticipantB: 9}
	if err := c.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	for i, ms := range []int64{3000, 1000, 2000} {
		m := &store.Message{RemoteID: string(rune('a' + i)), SenderID: 9, SenderName: "Bob", Body: "hi", Type: "text", CreatedAt: time.UnixMilli(ms)}
		if err := c.CreateMessage(ctx, conv.RemoteID, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := c.ListMessages(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].RemoteID != "b" || msgs[2].RemoteID != "a" {
		t.Errorf("messages not sorted by created time: %+v", msgs)
	}
	if msgs[0].SenderID != 9 || msgs[0].ConversationID != "conv-1" {
		t.Errorf("decoded = %+v", msgs[0])
	}

	empty, err := c.ListMessages(ctx, "conv-unknown")
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("got %d messages for unknown conversation", len(empty))
	}
}

func TestListDocumentsFollowsPages(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	for i := range listPageSize + 5 {
		if err := c.CreateDocument(ctx, "conversations/big/messages", fmt.Sprintf("m%03d", i), Fields{"n": int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	docs, err := c.ListDocuments(ctx, "conversations/big", "messages")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != listPageSize+5 {
		t.Errorf("got %d docs, want %d", len(docs), listPageSize+5)
	}
}

func TestPatchConversationSummary(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	conv := &store.Conversation{RemoteID: "conv-1", ParticipantA: 5, ParticipantB: 9, ParticipantAName: "Ana"}
	if err := c.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	at := time.UnixMilli(5000).UTC()
	if err := c.PatchConversationSummary(ctx, "conv-1", "deal?", at, 5); err != nil {
		t.Fatal(err)
	}
	d, err := c.GetDocument(ctx, "conversations/conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.String("lastMessage") != "deal?" || d.Int("lastSenderId") != 5 || !d.Time("lastMessageTime").Equal(at) {
		t.Errorf("summary not patched: %v", d.Fields)
	}
	if d.String("participantAName") != "Ana" {
		t.Error("patch must leave unmasked fields alone")
	}

	// Patching a missing document must not create it.
	err = c.PatchConversationSummary(ctx, "conv-missing", "x", at, 5)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUnavailable(t *testing.T) {
	c, srv := testClient(t)
	ctx := context.Background()

	srv.SetDown(true)
	err := c.CreateDocument(ctx, "orders", "1", Fields{})
	if !IsUnavailable(err) {
		t.Errorf("err = %v, want unavailable", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable || se.Status != "UNAVAILABLE" {
		t.Errorf("status error = %+v", se)
	}
	if err := c.Ping(ctx); err == nil {
		t.Error("Ping should fail while down")
	}

	srv.SetDown(false)
	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping = %v, want nil (404 counts as reachable)", err)
	}
}

func TestTransportErrorIsUnavailable(t *testing.T) {
	c := New("http://127.0.0.1:1/v1", WithTimeout(time.Second))
	err := c.Ping(context.Background())
	if err == nil || !IsUnavailable(err) {
		t.Errorf("Ping to closed port = %v, want unavailable", err)
	}
}

func TestDirectory(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	if err := c.CreateDocument(ctx, "users", "9", Fields{"displayName": "Bob"}); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateDocument(ctx, "orders", "77", Fields{"title": "Road bike"}); err != nil {
		t.Fatal(err)
	}
	dir := NewDirectory(c)
	if name, err := dir.DisplayName(ctx, 9); err != nil || name != "Bob" {
		t.Errorf("DisplayName(9) = %q, %v", name, err)
	}
	if name, err := dir.TopicName(ctx, 77); err != nil || name != "Road bike" {
		t.Errorf("TopicName(77) = %q, %v", name, err)
	}
	if _, err := dir.DisplayName(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("DisplayName(missing) err = %v", err)
	}
}
