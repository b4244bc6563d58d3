package printer

import (
	"sync"
	"time"

	"github.com/thereceipt/printer-link/internal/port"
	"github.com/thereceipt/printer-link/internal/protocol"
)

// EventKind classifies a printer notification. EventQueryStatus asks the
// client to follow up with a detailed status request.
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventDisconnected  EventKind = "disconnected"
	EventQueryStatus   EventKind = "query_status"
	EventStatus        EventKind = "status"
	EventAbandoned     EventKind = "abandoned"
	EventDeviceAdded   EventKind = "device_added"
	EventDeviceRemoved EventKind = "device_removed"
)

// Event is the JSON envelope delivered to subscribers, keyed by device address
type Event struct {
	Kind     EventKind         `json:"kind"`
	DeviceID string            `json:"device_id"`
	Method   port.Method       `json:"method"`
	Protocol protocol.Protocol `json:"protocol,omitempty"`
	Status   *protocol.Status  `json:"status,omitempty"`
	Error    string            `json:"error,omitempty"`
	Time     time.Time         `json:"time"`
}

type subscriber struct {
	ch chan Event
}

// EventBus fans printer events out to every subscriber. A subscriber sees
// events in the order they were published.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
}

// NewEventBus creates a bus whose subscriptions buffer up to buffer events
func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventBus{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe returns a receive channel and the function that ends the
// subscription and closes the channel.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish sends e to all current subscribers. Slow consumers whose buffer
// is full miss the event; the reader loop must never stall on a client.
func (b *EventBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the current subscriber count
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
