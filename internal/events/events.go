// Package events provides the typed notification bus the sync layer
// publishes to. Delivery is fire-and-forget and at-least-once: each
// subscriber drains its own ordered, unbounded mailbox on a dedicated
// goroutine, so a slow subscriber never blocks a publisher.
package events

import (
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	TypeQueueUpdated        Type = "queue_updated"
	TypeSyncComplete        Type = "sync_complete"
	TypeConflict            Type = "conflict"
	TypeError               Type = "error"
	TypeConnectivityChanged Type = "connectivity_changed"
)

// Event is one notification.
type Event struct {
	Type      Type                   `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

func newEvent(t Type, data map[string]interface{}) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now().UnixMilli()}
}

// QueueUpdated reports the push queue length.
func QueueUpdated(length int) Event {
	return newEvent(TypeQueueUpdated, map[string]interface{}{"length": length})
}

// SyncComplete reports the outcome of one drain cycle.
func SyncComplete(successCount, failedCount int) Event {
	return newEvent(TypeSyncComplete, map[string]interface{}{
		"success_count": successCount,
		"failed_count":  failedCount,
	})
}

// Conflict reports a record that needs manual resolution.
func Conflict(key string) Event {
	return newEvent(TypeConflict, map[string]interface{}{"key": key})
}

// Error reports a terminal sync failure for key.
func Error(key, message string) Event {
	return newEvent(TypeError, map[string]interface{}{"key": key, "message": message})
}

// ConnectivityChanged reports a reachability transition.
func ConnectivityChanged(isOnline bool) Event {
	return newEvent(TypeConnectivityChanged, map[string]interface{}{"is_online": isOnline})
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*mailbox
	nextID uint64
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*mailbox)}
}

// Subscribe registers fn and returns a function that removes it. Events
// already queued for fn are still delivered after unsubscribing.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	mb := newMailbox(fn)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		mb.close()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = mb
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			mb.close()
		})
	}
}

// Publish queues e for every current subscriber and returns immediately.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, mb := range b.subs {
		mb.push(e)
	}
}

// Close stops accepting events and waits for every mailbox to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*mailbox)
	b.mu.Unlock()

	for _, mb := range subs {
		mb.close()
	}
	for _, mb := range subs {
		<-mb.done
	}
}

type mailbox struct {
	fn   func(Event)
	done chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

func newMailbox(fn func(Event)) *mailbox {
	mb := &mailbox{fn: fn, done: make(chan struct{})}
	mb.cond = sync.NewCond(&mb.mu)
	go mb.run()
	return mb
}

func (mb *mailbox) push(e Event) {
	mb.mu.Lock()
	if !mb.closed {
		mb.queue = append(mb.queue, e)
		mb.cond.Signal()
	}
	mb.mu.Unlock()
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.cond.Signal()
	mb.mu.Unlock()
}

func (mb *mailbox) run() {
	defer close(mb.done)
	for {
		mb.mu.Lock()
		for len(mb.queue) == 0 && !mb.closed {
			mb.cond.Wait()
		}
		if len(mb.queue) == 0 {
			mb.mu.Unlock()
			return
		}
		e := mb.queue[0]
		mb.queue[0] = Event{}
		mb.queue = mb.queue[1:]
		mb.mu.Unlock()

		mb.fn(e)
	}
}
