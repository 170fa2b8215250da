// Package broker fans events out to in-process subscribers.
package broker

import (
	"sync"

	"github.com/sirupsen/logrus"
)

const DefaultBuffer = 16

// Broker handles the subscription and broadcasting of events of type T.
// Publishing never blocks: a subscriber whose buffer is full misses the event.
type Broker[T any] struct {
	mu          sync.Mutex
	subscribers map[int]chan T
	next        int
	closed      bool
	name        string
}

// New initializes a broker; name only appears in log entries.
func New[T any](name string) *Broker[T] {
	return &Broker[T]{subscribers: make(map[int]chan T), name: name}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// func unsubscribes and closes the channel; calling it more than once is safe.
func (b *Broker[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
		})
	}
}

// Publish sends event to every subscriber.
func (b *Broker[T]) Publish(event T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			logrus.WithFields(logrus.Fields{"broker": b.name, "subscriber": id}).
				Warn("subscriber channel is full, event not sent")
		}
	}
}

// Len reports the number of active subscribers.
func (b *Broker[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub)
	}
}
