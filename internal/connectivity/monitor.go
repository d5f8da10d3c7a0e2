// Package connectivity tracks whether the process currently believes it has
// network connectivity to the remote session service. Listeners are
// notified on transitions only, never on repeated reports of the same
// state.
package connectivity

import (
	"log"
	"sync"
	"sync/atomic"
)

// Listener observes connectivity transitions.
type Listener func(online bool)

// Monitor is the injectable connectivity source. The prober implementation
// polls the remote service; the manual implementation is driven explicitly
// in tests and forced-offline operation.
type Monitor interface {
	// Online reports the current connectivity belief.
	Online() bool

	// Subscribe registers a listener called on every transition.
	Subscribe(fn Listener)
}

// notifier carries the shared transition bookkeeping for monitor
// implementations.
type notifier struct {
	online    atomic.Bool
	mu        sync.RWMutex
	listeners []Listener
}

func (n *notifier) Online() bool {
	return n.online.Load()
}

func (n *notifier) Subscribe(fn Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// report records the observed state and notifies listeners when it changed.
func (n *notifier) report(online bool) {
	if n.online.Swap(online) == online {
		return
	}

	if online {
		log.Println("🌐 [CONNECTIVITY] Back online")
	} else {
		log.Println("📴 [CONNECTIVITY] Gone offline")
	}

	n.mu.RLock()
	listeners := make([]Listener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()

	for _, fn := range listeners {
		fn(online)
	}
}

// Manual is a monitor driven entirely by SetOnline calls.
type Manual struct {
	notifier
}

// NewManual creates a manual monitor with the given initial state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online.Store(online)
	return m
}

// SetOnline flips the connectivity belief, notifying listeners on change.
func (m *Manual) SetOnline(online bool) {
	m.report(online)
}
