// Package events implements the chase notification fabric: typed
// multi-producer, multi-subscriber publication serialized on the node
// strand.
package events

import (
	"sync"

	"github.com/bitchase/bitchase/libs/strand"
	"github.com/bitchase/bitchase/types"
)

// Callback receives every fired chase event on the node strand. Subscribers
// running on another strand must post to themselves.
type Callback func(event types.Chase, value uint64)

// Switch fans chase events out to listeners. Delivery is in publication
// order on the node strand; the listener list is copied on dispatch so
// unsubscription never races an in-flight delivery.
type Switch struct {
	strand *strand.Strand

	mtx       sync.RWMutex
	listeners map[string]Callback
	order     []string
}

// NewSwitch creates a switch dispatching on the given node strand.
func NewSwitch(s *strand.Strand) *Switch {
	return &Switch{
		strand:    s,
		listeners: make(map[string]Callback),
	}
}

// AddListener subscribes the callback under the listener ID, replacing any
// prior subscription with the same ID.
func (sw *Switch) AddListener(listenerID string, cb Callback) {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()

	if _, ok := sw.listeners[listenerID]; !ok {
		sw.order = append(sw.order, listenerID)
	}
	sw.listeners[listenerID] = cb
}

// RemoveListener unsubscribes asynchronously: the removal is serialized on
// the node strand so it completes after any delivery already in flight.
func (sw *Switch) RemoveListener(listenerID string) {
	sw.strand.Post(func() {
		sw.mtx.Lock()
		defer sw.mtx.Unlock()

		if _, ok := sw.listeners[listenerID]; !ok {
			return
		}
		delete(sw.listeners, listenerID)
		for i, id := range sw.order {
			if id == listenerID {
				sw.order = append(sw.order[:i], sw.order[i+1:]...)
				break
			}
		}
	})
}

// Fire publishes the event to all listeners on the node strand. It reports
// false once the strand has stopped.
func (sw *Switch) Fire(event types.Chase, value uint64) bool {
	return sw.strand.Post(func() {
		sw.mtx.RLock()
		cbs := make([]Callback, 0, len(sw.order))
		for _, id := range sw.order {
			cbs = append(cbs, sw.listeners[id])
		}
		sw.mtx.RUnlock()

		for _, cb := range cbs {
			cb(event, value)
		}
	})
}
