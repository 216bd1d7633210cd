package api

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/bazaar/internal/bus"
	"github.com/matheus3301/bazaar/internal/netstate"
	"github.com/matheus3301/bazaar/internal/notify"
	"github.com/matheus3301/bazaar/internal/outbox"
	"github.com/matheus3301/bazaar/internal/remote"
	"github.com/matheus3301/bazaar/internal/remote/remotetest"
	"github.com/matheus3301/bazaar/internal/store"
	intsync "github.com/matheus3301/bazaar/internal/sync"
	"github.com/matheus3301/bazaar/internal/worker"
)

func startService(t *testing.T) *Client {
	t.Helper()
	// Use a short path to avoid the 104-char Unix socket limit on macOS.
	tmpDir, err := os.MkdirTemp("/tmp", "bazaar-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	db, err := store.Open(filepath.Join(tmpDir, "bazaar.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	_, base := remotetest.StartTest(t)
	client := remote.New(base, remote.WithTimeout(2*time.Second))
	b := bus.New()
	engine := intsync.NewEngine(db, client, remote.NewDirectory(client), netstate.NewMachine(b),
		worker.NewPool(3, nil), notify.NewDispatcher(b, nil),
		intsync.Options{Self: outbox.Identity{ID: 5, Name: "Ana"}, PollInterval: 50 * time.Millisecond}, nil)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	socketPath := filepath.Join(tmpDir, "d.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	Register(srv, NewService(engine, b, "test", nil))
	go func() { _ = srv.Serve(listener) }()
	t.Cleanup(srv.Stop)

	c, err := Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func num(m map[string]any, key string) int64 {
	f, _ := m[key].(float64)
	return int64(f)
}

func TestServiceRoundTrip(t *testing.T) {
	c := startService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st["session"] != "test" || num(st, "user_id") != 5 {
		t.Errorf("status = %v", st)
	}

	topic := int64(7)
	resp, err := c.Resolve(ctx, 9, &topic)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	conv := resp["conversation"].(map[string]any)
	convID := num(conv, "id")
	if num(conv, "participant_a") != 5 || num(conv, "participant_b") != 9 || num(conv, "topic_id") != 7 {
		t.Errorf("conversation = %v", conv)
	}

	resp, err = c.Send(ctx, convID, "Is the bike still available?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := resp["message"].(map[string]any)
	if msg["status"] != "sending" {
		t.Errorf("optimistic status = %v", msg["status"])
	}

	resp, err = c.ListMessages(ctx, convID, 0, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if msgs := resp["messages"].([]any); len(msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs))
	}

	resp, err = c.SearchMessages(ctx, "bike", 0, 10)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if results := resp["results"].([]any); len(results) != 1 {
		t.Errorf("results = %d, want 1", len(results))
	}

	resp, err = c.ListConversations(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	convs := resp["conversations"].([]any)
	if len(convs) != 1 || convs[0].(map[string]any)["last_message"] != "Is the bike still available?" {
		t.Errorf("conversations = %v", convs)
	}

	if _, err := c.StartListening(ctx, convID); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	st, _ = c.Status(ctx)
	if l := st["listening"].([]any); len(l) != 1 {
		t.Errorf("listening = %v", l)
	}
	if _, err := c.StopListening(ctx, convID, false); err != nil {
		t.Fatalf("StopListening: %v", err)
	}
	if _, err := c.StopListening(ctx, 0, true); err != nil {
		t.Fatalf("StopListening(all): %v", err)
	}

	if _, err := c.MarkRead(ctx, convID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	resp, err = c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, ok := resp["report"].(map[string]any); !ok {
		t.Errorf("sweep response = %v", resp)
	}
}

func TestServiceErrors(t *testing.T) {
	c := startService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"unknown conversation", func() error { _, err := c.Send(ctx, 404, "hi"); return err }, codes.NotFound},
		{"self conversation", func() error { _, err := c.Resolve(ctx, 5, nil); return err }, codes.InvalidArgument},
		{"missing user", func() error { _, err := c.Resolve(ctx, 0, nil); return err }, codes.InvalidArgument},
		{"empty query", func() error { _, err := c.SearchMessages(ctx, "", 0, 10); return err }, codes.InvalidArgument},
		{"listen unknown", func() error { _, err := c.StartListening(ctx, 404); return err }, codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if got := grpcstatus.Code(err); got != tt.want {
				t.Errorf("code = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestWatchEvents(t *testing.T) {
	c := startService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := c.Watch(ctx, "message.")
	if err != nil {
		t.Fatal(err)
	}
	// Give the server time to subscribe.
	time.Sleep(100 * time.Millisecond)

	resp, err := c.Resolve(ctx, 9, nil)
	if err != nil {
		t.Fatal(err)
	}
	convID := num(resp["conversation"].(map[string]any), "id")
	if _, err := c.Send(ctx, convID, "hello"); err != nil {
		t.Fatal(err)
	}

	evt, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if evt["kind"] != bus.KindMessageLocal {
		t.Errorf("kind = %v, want %s", evt["kind"], bus.KindMessageLocal)
	}
	payload := evt["payload"].(map[string]any)
	if payload["body"] != "hello" {
		t.Errorf("payload = %v", payload)
	}

	evt, err = stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if evt["kind"] != bus.KindMessageStatusChanged {
		t.Errorf("kind = %v, want %s", evt["kind"], bus.KindMessageStatusChanged)
	}
}
