package events

import (
	"sync"
)

const (
	defaultBufferSize  = 100
	defaultHistorySize = 256
)

// Bus is a simple pub/sub event bus that also remembers recent events
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	bufferSize  int

	history     []Event
	historySize int
	counts      map[EventType]int
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
		bufferSize:  defaultBufferSize,
		historySize: defaultHistorySize,
		counts:      make(map[EventType]int),
	}
}

// Subscribe returns a channel that receives events
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber channel
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub == ch {
			delete(b.subscribers, sub)
			close(sub)
			return
		}
	}
}

// Publish records the event and sends it to all subscribers
// Non-blocking: if a subscriber's buffer is full, the event is dropped for that subscriber
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts[event.Type]++
	b.history = append(b.history, event)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Recent returns up to n of the latest events, oldest first (n <= 0 means all kept)
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	return append([]Event(nil), b.history[len(b.history)-n:]...)
}

// Count returns how many events of the given type were published
func (b *Bus) Count(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counts[t]
}

// Counts returns a copy of the per-type event counters
func (b *Bus) Counts() map[EventType]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[EventType]int, len(b.counts))
	for k, v := range b.counts {
		out[k] = v
	}
	return out
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
