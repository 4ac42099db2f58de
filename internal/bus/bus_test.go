package bus_test

import (
	"testing"
	"time"

	"github.com/zapgate/zapgate/internal/bus"
)

func TestPublishSubscribe_PrefixMatch(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("connection.")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicConnectionOpen, bus.ConnectionEvent{Attempt: 1, State: "open"})
	b.Publish(bus.TopicMessageSent, bus.MessageSentEvent{Phone: "551199"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicConnectionOpen {
			t.Fatalf("expected connection.open, got %s", ev.Topic)
		}
		payload, ok := ev.Payload.(bus.ConnectionEvent)
		if !ok || payload.Attempt != 1 {
			t.Fatalf("unexpected payload: %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	// message.sent must not match the connection. prefix.
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event delivered: %s", ev.Topic)
	default:
	}
}

func TestSubscribe_EmptyPrefixMatchesAll(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicCredsUpdated, nil)
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicCredsUpdated {
			t.Fatalf("got %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("connection.")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after Unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
	// Double unsubscribe must be safe.
	b.Unsubscribe(sub)
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("qr")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish("qr", bus.QREvent{Attempt: 1, Code: "code"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
