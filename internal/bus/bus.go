// Package bus fans lifecycle, gateway and trust events out to in-process
// listeners such as the gateway's events.subscribe clients.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// defaultBufferSize bounds how far a listener may fall behind before
// events addressed to it are discarded.
const defaultBufferSize = 100

type Event struct {
	Topic   string
	Payload any
}

// Subscription receives every event whose topic starts with its prefix.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus never blocks a publisher: a lifecycle operation or pin write must not
// stall behind a slow websocket client.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a listener for topics under prefix; "" receives
// everything.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, prefix: prefix, ch: make(chan Event, defaultBufferSize)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe closes sub's channel. Repeated calls are harmless.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
