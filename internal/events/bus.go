// Package events carries typed session change notifications between client components.
package events

import (
	"slices"
	"sync"
	"time"
)

// Type identifies what changed.
type Type string

// Event types.
const (
	TokenChanged    Type = "token_changed"
	UserChanged     Type = "user_changed"
	ActivityUpdated Type = "activity_updated"
	SessionCleared  Type = "session_cleared"
)

// Event is a single change notification.
// Remote is set when the change was made by another process sharing the same storage.
type Event struct {
	Type   Type
	Key    string
	Remote bool
	At     time.Time
}

// Bus is a synchronous in-process publish/subscribe channel.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber in subscription order. A nil bus drops events.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
