package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("cache.", 10)
	defer unsub()

	b.Emit(ConversationChanged, EntityRef{ConversationID: "c1"})

	select {
	case evt := <-ch:
		if evt.Kind != ConversationChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, ConversationChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not filled")
		}
		ref, ok := evt.Payload.(EntityRef)
		if !ok || ref.ConversationID != "c1" {
			t.Errorf("payload = %#v, want EntityRef{c1}", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("connection.", 10)
	defer unsub()

	b.Emit(CacheStale, nil)
	b.Emit(ConnectionStatusChanged, nil)

	select {
	case evt := <-ch:
		if evt.Kind != ConnectionStatusChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, ConnectionStatusChanged)
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

func TestEmptyNamespaceReceivesAll(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	b.Emit(SearchUpdated, nil)
	b.Emit(MutationFailed, nil)
	if len(ch) != 2 {
		t.Errorf("buffered = %d, want 2", len(ch))
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("cache.", 10)
	unsub()
	unsub()

	b.Emit(CacheStale, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("search.", 1)
	defer unsub()

	b.Publish(Event{Kind: SearchUpdated, Payload: 1})
	b.Publish(Event{Kind: SearchUpdated, Payload: 2})

	evt := <-ch
	if evt.Payload != 1 {
		t.Errorf("got payload %v, want 1", evt.Payload)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Emit(CacheStale, nil)
}
