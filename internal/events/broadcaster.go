package events

import (
	"sync"
)

// Subscriber receives broadcast events on C.
type Subscriber struct {
	C          chan Event
	categories map[string]struct{}
}

// wants reports whether the subscriber asked for the event's category.
func (s *Subscriber) wants(e Event) bool {
	if len(s.categories) == 0 {
		return true
	}
	_, ok := s.categories[Category(e.Name)]
	return ok
}

// Broadcaster fans emitted events out to live subscribers (the debug websocket).
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

var broadcaster = &Broadcaster{
	subscribers: make(map[*Subscriber]struct{}),
}

// Subscribe adds a subscriber for the given event categories ("debug",
// "chain", ...). No categories means every event.
// The channel is buffered so a slow client never blocks Emit.
func Subscribe(categories ...string) *Subscriber {
	sub := &Subscriber{C: make(chan Event, 64)}
	if len(categories) > 0 {
		sub.categories = make(map[string]struct{}, len(categories))
		for _, c := range categories {
			sub.categories[c] = struct{}{}
		}
	}
	broadcaster.mu.Lock()
	broadcaster.subscribers[sub] = struct{}{}
	broadcaster.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// after CloseAllSubscribers.
func Unsubscribe(sub *Subscriber) {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if _, ok := broadcaster.subscribers[sub]; !ok {
		return
	}
	delete(broadcaster.subscribers, sub)
	close(sub.C)
}

// broadcast sends an event to all interested subscribers.
// If a subscriber's buffer is full the event is dropped for that subscriber.
func broadcast(e Event) {
	broadcaster.mu.RLock()
	defer broadcaster.mu.RUnlock()

	for sub := range broadcaster.subscribers {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.C <- e:
		default:
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func SubscriberCount() int {
	broadcaster.mu.RLock()
	defer broadcaster.mu.RUnlock()
	return len(broadcaster.subscribers)
}

// CloseAllSubscribers removes and closes every subscriber. Used on shutdown.
func CloseAllSubscribers() {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	for sub := range broadcaster.subscribers {
		delete(broadcaster.subscribers, sub)
		close(sub.C)
	}
}

// RecentEvents returns the last n events from the ring buffer, optionally
// restricted to categories. n <= 0 returns everything available.
func RecentEvents(n int, categories ...string) []Event {
	all := buffer.Snapshot()
	if len(categories) > 0 {
		filter := &Subscriber{categories: make(map[string]struct{}, len(categories))}
		for _, c := range categories {
			filter.categories[c] = struct{}{}
		}
		kept := all[:0]
		for _, e := range all {
			if filter.wants(e) {
				kept = append(kept, e)
			}
		}
		all = kept
	}
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}
