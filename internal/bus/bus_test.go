package bus

import (
	"testing"
	"time"

	"github.com/emakarov/megobari-sub000/pkg/protocol"
)

func recvOne(t *testing.T, ch <-chan protocol.MessageEvent) protocol.MessageEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return protocol.MessageEvent{}
}

// TestFanOutAndUnsubscribe verifies that a published event reaches every
// subscriber and that unsubscribed queues stop receiving.
func TestFanOutAndUnsubscribe(t *testing.T) {
	b := New()
	q1 := b.Subscribe()
	q2 := b.Subscribe()

	b.Publish(protocol.MessageEvent{ID: 1, SessionName: "s", Role: "user", Content: "hi"})
	if ev := recvOne(t, q1); ev.ID != 1 {
		t.Fatalf("q1 got id %d", ev.ID)
	}
	if ev := recvOne(t, q2); ev.ID != 1 {
		t.Fatalf("q2 got id %d", ev.ID)
	}

	b.Unsubscribe(q1)
	b.Publish(protocol.MessageEvent{ID: 2})

	if ev := recvOne(t, q2); ev.ID != 2 {
		t.Fatalf("q2 got id %d after unsubscribe of q1", ev.ID)
	}
	// q1 must be closed with nothing beyond the first event.
	select {
	case ev, ok := <-q1:
		if ok {
			t.Fatalf("q1 received %v after unsubscribe", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("q1 not closed after unsubscribe")
	}
}

// TestSlowConsumerEviction verifies that a subscriber with a full queue is
// dropped while other subscribers keep receiving.
func TestSlowConsumerEviction(t *testing.T) {
	b := NewSized(2)
	slow := b.Subscribe()
	fast := b.Subscribe()

	// Fill the slow queue (nobody reads it), then overflow it.
	for i := 1; i <= 3; i++ {
		b.Publish(protocol.MessageEvent{ID: int64(i)})
		<-fast // drain fast so it never fills
	}

	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("subscriber count = %d, want 1 after eviction", got)
	}

	// The fast subscriber still receives new events.
	b.Publish(protocol.MessageEvent{ID: 99})
	if ev := recvOne(t, fast); ev.ID != 99 {
		t.Fatalf("fast got id %d, want 99", ev.ID)
	}

	// The evicted queue is closed after its buffered events drain.
	drained := 0
	for range slow {
		drained++
	}
	if drained != 2 {
		t.Fatalf("slow drained %d buffered events, want 2", drained)
	}
}

// TestUnsubscribeTwice verifies that double-unsubscribe and unsubscribing an
// evicted queue are harmless.
func TestUnsubscribeTwice(t *testing.T) {
	b := New()
	q := b.Subscribe()
	b.Unsubscribe(q)
	b.Unsubscribe(q)

	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}
}
