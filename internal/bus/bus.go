// Package bus provides the in-process broadcast hub that fans newly logged
// messages out to dashboard stream subscribers.
package bus

import (
	"log/slog"
	"sync"

	"github.com/emakarov/megobari-sub000/pkg/protocol"
)

// DefaultQueueSize bounds each subscriber queue.
const DefaultQueueSize = 256

// Bus broadcasts message events to subscribers. Publishing never blocks: a
// subscriber whose queue is full is evicted so one stalled dashboard client
// cannot back-pressure the turn path.
type Bus struct {
	mu sync.Mutex
	// recvToSend maps the receive-only channel handed to subscribers back to
	// the send side so Unsubscribe can accept what Subscribe returned.
	recvToSend map[<-chan protocol.MessageEvent]chan protocol.MessageEvent
	queueSize  int
}

// New creates a Bus with the default per-subscriber queue size.
func New() *Bus {
	return NewSized(DefaultQueueSize)
}

// NewSized creates a Bus with an explicit per-subscriber queue size.
func NewSized(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		recvToSend: make(map[<-chan protocol.MessageEvent]chan protocol.MessageEvent),
		queueSize:  queueSize,
	}
}

// Subscribe registers a new subscriber and returns its event queue.
func (b *Bus) Subscribe() <-chan protocol.MessageEvent {
	ch := make(chan protocol.MessageEvent, b.queueSize)
	b.mu.Lock()
	b.recvToSend[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its queue. Safe to call with a
// channel that was already evicted.
func (b *Bus) Unsubscribe(ch <-chan protocol.MessageEvent) {
	b.mu.Lock()
	send, ok := b.recvToSend[ch]
	if ok {
		delete(b.recvToSend, ch)
	}
	b.mu.Unlock()
	if ok {
		close(send)
	}
}

// Publish delivers the event to every subscriber queue with room. Subscribers
// whose queue is full are dropped (slow-consumer eviction).
func (b *Bus) Publish(ev protocol.MessageEvent) {
	b.mu.Lock()
	var evicted []chan protocol.MessageEvent
	for recv, send := range b.recvToSend {
		select {
		case send <- ev:
		default:
			delete(b.recvToSend, recv)
			evicted = append(evicted, send)
		}
	}
	b.mu.Unlock()

	for _, ch := range evicted {
		close(ch)
		slog.Debug("dropped slow message-stream subscriber", "queue_size", b.queueSize)
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.recvToSend)
}
