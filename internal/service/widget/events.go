package widget

import (
	"log"
	"sync"
	"time"

	"github.com/samber/lo"
)

// EventType names what changed in a widget session.
type EventType string

const (
	EventMessage EventType = "message"
	EventStatus  EventType = "status"
	EventTick    EventType = "tick"
	EventClosed  EventType = "closed"

	// Emitted by transports only.
	EventSnapshot EventType = "snapshot"
	EventError    EventType = "error"
)

// Event is pushed to UI subscribers.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// TickData carries the recording timer value.
type TickData struct {
	ElapsedSeconds int `json:"elapsedSeconds"`
}

const defaultEventBuffer = 64

// Broker fans events out to subscribers without ever blocking the publisher.
type Broker struct {
	sessionID string
	buffer    int

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBroker(sessionID string, buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Broker{
		sessionID: sessionID,
		buffer:    buffer,
		subs:      make(map[int]chan Event),
	}
}

// Subscribe returns a channel of future events and a cancel func. The
// channel is closed on cancel or when the broker closes.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Broker) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish stamps and delivers ev. Slow subscribers lose the event.
func (b *Broker) Publish(eventType EventType, data any) {
	ev := Event{
		Type:      eventType,
		SessionID: b.sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	lo.ForEach(lo.Values(b.subs), func(ch chan Event, _ int) {
		select {
		case ch <- ev:
		default:
			log.Printf("[widget] dropping %s event for slow subscriber session=%s", ev.Type, b.sessionID)
		}
	})
}

// Subscribers reports the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close sends a final closed event and ends every subscription.
func (b *Broker) Close() {
	b.Publish(EventClosed, nil)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
