package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(NewEvent(KindMessageReceived, "payload"))

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageReceived {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessageReceived)
		}
		if evt.Timestamp.IsZero() {
			t.Error("NewEvent should stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("net.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageStatusChanged})
	b.Publish(Event{Kind: KindNetStatusChanged})

	select {
	case evt := <-ch:
		if evt.Kind != KindNetStatusChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindNetStatusChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: KindSyncError})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 1)
	defer unsub()

	b.Publish(Event{Kind: KindSyncError})
	b.Publish(Event{Kind: KindSweepCompleted})

	evt := <-ch
	if evt.Kind != KindSyncError {
		t.Errorf("got %q, want %s", evt.Kind, KindSyncError)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}
