package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/fx/fxtest"

	"github.com/matheus3301/bazaar/internal/api"
	"github.com/matheus3301/bazaar/internal/lock"
	"github.com/matheus3301/bazaar/internal/session"
)

func testHome(t *testing.T) string {
	t.Helper()
	// Use a short path to avoid the 104-char Unix socket limit on macOS.
	dir, err := os.MkdirTemp("/tmp", "bazaar-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.EnvHome, dir)
	t.Setenv("BAZAAR_USER_ID", "5")
	t.Setenv("BAZAAR_USER_NAME", "Ana")
	return dir
}

func TestDaemonLifecycle(t *testing.T) {
	testHome(t)
	app := fxtest.New(t, Module(Params{SessionName: "test", Emulate: true}))
	app.RequireStart()

	c, err := api.Dial(session.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st["session"] != "test" || st["user_name"] != "Ana" {
		t.Errorf("status = %v", st)
	}

	resp, err := c.Resolve(ctx, 9, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	convID := int64(resp["conversation"].(map[string]any)["id"].(float64))
	if _, err := c.Send(ctx, convID, "hello from the daemon"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The emulated remote accepts the message.
	deadline := time.After(3 * time.Second)
	for {
		resp, err := c.ListMessages(ctx, convID, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		msgs := resp["messages"].([]any)
		if len(msgs) == 1 && msgs[0].(map[string]any)["status"] == "sent" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("message never reached sent: %v", msgs)
		case <-time.After(20 * time.Millisecond):
		}
	}

	info, err := lock.Read(session.Dir("test"))
	if err != nil {
		t.Fatalf("lock not held: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("lock pid = %d", info.PID)
	}

	app.RequireStop()

	if _, err := os.Stat(session.SocketPath("test")); !os.IsNotExist(err) {
		t.Errorf("socket not removed: %v", err)
	}
	if _, err := lock.Read(session.Dir("test")); !os.IsNotExist(err) {
		t.Errorf("lock not released: %v", err)
	}
}

func TestDaemonRefusesSecondInstance(t *testing.T) {
	home := testHome(t)
	lk, err := lock.Acquire(filepath.Join(home, "sessions", "test"), "someone else")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fxtest.New(t, Module(Params{SessionName: "test", Emulate: true}))
	err = app.Start(context.Background())
	if err == nil {
		_ = app.Stop(context.Background())
		t.Fatal("second daemon started")
	}
	var held *lock.LockHeldError
	if !errors.As(err, &held) {
		t.Errorf("err = %v, want LockHeldError", err)
	}
}

func TestDaemonRequiresUser(t *testing.T) {
	testHome(t)
	t.Setenv("BAZAAR_USER_ID", "")
	app := fxtest.New(t, Module(Params{SessionName: "test", Emulate: true}))
	if err := app.Err(); err == nil {
		t.Error("expected a configuration error without a user id")
	}
}
