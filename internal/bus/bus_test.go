package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageSendAck, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageSendAck {
			t.Errorf("got kind %q, want %q", evt.Kind, KindMessageSendAck)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("connection.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageUpserted})
	b.Publish(Event{Kind: KindConnectionRecovered})

	select {
	case evt := <-ch:
		if evt.Kind != KindConnectionRecovered {
			t.Errorf("got kind %q, want %q", evt.Kind, KindConnectionRecovered)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the message event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("token.", 10)
	unsub()

	b.Publish(Event{Kind: KindTokenUpdated})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("attachment.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: KindAttachmentProgress, Payload: 0.1})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: KindAttachmentProgress, Payload: 0.2})

	evt := <-ch
	if evt.Payload != 0.1 {
		t.Errorf("got payload %v, want 0.1", evt.Payload)
	}
}
