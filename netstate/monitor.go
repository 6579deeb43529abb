// Package netstate abstracts the platform online/offline signal.
//
// The engine never probes reachability itself; it consumes a Monitor that
// some outer layer keeps fed (an OS reachability API, a health checker, a
// test). The signal is a single live boolean: the current value can be
// sampled synchronously and changes fan out to subscribers.
package netstate

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Monitor is the boolean online/offline signal source.
type Monitor interface {
	// Online samples the current state synchronously.
	Online() bool

	// Subscribe registers fn for subsequent state changes and returns a
	// cancel function. fn is not called with the initial value; callers
	// sample Online first.
	Subscribe(fn func(online bool)) (cancel func())
}

// ManualMonitor is a Monitor driven by explicit Set calls. Embedders bridge
// their platform's reachability callbacks into it; tests drive it directly.
type ManualMonitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

// NewManualMonitor creates a monitor with the given initial state.
func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// Online implements Monitor.Online.
func (m *ManualMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe implements Monitor.Subscribe.
func (m *ManualMonitor) Subscribe(fn func(bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Set updates the state and notifies subscribers on change. Redundant sets
// are silent.
func (m *ManualMonitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Set",
		"online":   online,
	}).Debug("Network state changed")

	for _, fn := range fns {
		fn(online)
	}
}
