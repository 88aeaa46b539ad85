package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicConnectivityRestored)
	defer b.Unsubscribe(sub)

	b.Publish(TopicConnectivityRestored, ConnectivityEvent{Online: true, Probe: "wss://sync.example.com/probe"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicConnectivityRestored {
			t.Fatalf("unexpected topic %q", ev.Topic)
		}
		payload, ok := ev.Payload.(ConnectivityEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if !payload.Online {
			t.Fatalf("expected online event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	all := b.Subscribe("")
	mutations := b.Subscribe("mutation.")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(mutations)

	b.Publish(TopicCycleCompleted, CycleCompletedEvent{CycleID: "c1"})
	b.Publish(TopicMutationStateChanged, MutationStateChangedEvent{MutationID: "m1"})

	if got := len(all.Ch()); got != 2 {
		t.Fatalf("expected 2 events on catch-all, got %d", got)
	}
	if got := len(mutations.Ch()); got != 1 {
		t.Fatalf("expected 1 event on mutation prefix, got %d", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestSlowConsumerDoesNotBlockPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overflow the buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicSyncRequested, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
	if got := len(sub.Ch()); got != defaultBufferSize {
		t.Fatalf("expected buffer capped at %d, got %d", defaultBufferSize, got)
	}
}
