// Package connectivity exposes network reachability as an observable boolean.
package connectivity

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spartanone/spartan/internal/broker"
)

// Event is published on every online/offline transition.
type Event struct {
	Online bool
	At     time.Time
}

// Monitor holds the current reachability and notifies subscribers of changes.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	events *broker.Broker[Event]
}

// New initializes the monitor from the current reachability.
func New(initial bool) *Monitor {
	return &Monitor{online: initial, events: broker.New[Event]("connectivity")}
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records the reachability and publishes an Event when it changed.
// It reports whether a transition happened.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	m.online = online
	logrus.WithField("online", online).Info("connectivity changed")
	m.events.Publish(Event{Online: online, At: time.Now()})
	return true
}

// Subscribe returns transition events until the returned func is called.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	return m.events.Subscribe(broker.DefaultBuffer)
}

// Close ends every subscription.
func (m *Monitor) Close() {
	m.events.Close()
}
