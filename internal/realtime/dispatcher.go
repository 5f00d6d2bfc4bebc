package realtime

import (
	"context"
	"sync"
	"time"
)

const (
	// EventUserChanged signals that a user record or one of its nested collections changed.
	EventUserChanged = "user-change"
	// EventUserDeleted signals that a user record was removed.
	EventUserDeleted = "user-delete"

	defaultBufferSize = 16
)

// Message is a change notification scoped to one user document.
type Message struct {
	UserID    string    `json:"user_id"`
	EventType string    `json:"event_type"`
	EntityIDs []string  `json:"entity_ids,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher fans change notifications out to in-process subscribers keyed by user id.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for the user. The stream is closed when ctx ends or the
// returned cancel function runs, whichever happens first.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (<-chan Message, func()) {
	if userID == "" {
		stream := make(chan Message)
		close(stream)
		return stream, func() {}
	}

	d.mu.Lock()
	d.nextID++
	entry := &subscriber{id: d.nextID, stream: make(chan Message, d.bufferSize)}
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*subscriber)
	}
	d.subscribers[userID][entry.id] = entry
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.unregister(userID, entry.id)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return entry.stream, cancel
}

// Publish delivers the message to every subscriber of the user without blocking.
// A subscriber whose buffer is full misses the message.
func (d *Dispatcher) Publish(message Message) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, entry := range d.subscribers[message.UserID] {
		select {
		case entry.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports how many streams are registered for the user.
func (d *Dispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *Dispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.subscribers[userID]
	entry, ok := entries[subscriberID]
	if !ok {
		return
	}
	delete(entries, subscriberID)
	if len(entries) == 0 {
		delete(d.subscribers, userID)
	}
	close(entry.stream)
}
