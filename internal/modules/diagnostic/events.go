package diagnostic

import (
	"sync"
	"time"
)

const (
	// logCapacity bounds the rolling event log.
	logCapacity = 200
	// subscriberBuffer is the per-subscriber channel depth. A slow
	// subscriber drops events rather than stalling the engine.
	subscriberBuffer = 32
	// finalDeliveryWait is how long the terminal event waits for a
	// slow subscriber before giving up.
	finalDeliveryWait = 250 * time.Millisecond
)

// Log is the bounded most-recent-first event history.
type Log struct {
	mu     sync.RWMutex
	events []Event
}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Append(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if len(l.events) > logCapacity {
		l.events = l.events[len(l.events)-logCapacity:]
	}
}

// Snapshot returns up to limit events, newest first. limit <= 0 means
// everything retained.
func (l *Log) Snapshot(limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	for i := len(l.events) - 1; i >= len(l.events)-n; i-- {
		out = append(out, l.events[i])
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Registry tracks live per-device subscribers.
type Registry struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a live stream for one device. The returned
// cancel must be called on disconnect.
func (r *Registry) Subscribe(deviceID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	r.mu.Lock()
	set, ok := r.subs[deviceID]
	if !ok {
		set = make(map[chan Event]struct{})
		r.subs[deviceID] = set
	}
	set[ch] = struct{}{}
	r.mu.Unlock()

	// The channel is left open after cancel; publishers may still race
	// a send against removal, and sending on a closed channel panics.
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set, ok := r.subs[deviceID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(r.subs, deviceID)
			}
		}
	}
	return ch, cancel
}

func (r *Registry) channels(deviceID string) []chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subs[deviceID]
	out := make([]chan Event, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	return out
}

// Publish delivers an event best-effort; a full subscriber misses it.
func (r *Registry) Publish(ev Event) {
	for _, ch := range r.channels(ev.DeviceID) {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishFinal delivers the terminal event, waiting briefly for slow
// subscribers instead of dropping straight away.
func (r *Registry) PublishFinal(ev Event) {
	for _, ch := range r.channels(ev.DeviceID) {
		select {
		case ch <- ev:
		case <-time.After(finalDeliveryWait):
		}
	}
}

// Subscribers reports the live count for a device.
func (r *Registry) Subscribers(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[deviceID])
}
