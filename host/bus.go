package host

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Well known event types
const (
	// EventMatchAll subscribes a listener to every event
	EventMatchAll = "*"
	// EventHostStop is fired once when the host shuts down
	EventHostStop = "host_stop"
	// EventStateChanged is fired whenever the state machine changes a state
	EventStateChanged = "state_changed"
	// EventCallService is fired before a service handler runs
	EventCallService = "call_service"
)

// Event is an event on the bus
type Event struct {
	Type      string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
	TimeFired time.Time              `json:"time_fired"`
}

type listener struct {
	fn    func(Event)
	once  bool
	fired atomic.Bool
}

// Bus is the event bus of the host. Listeners run on the host loop.
type Bus struct {
	loop      *Loop
	mu        sync.Mutex
	next      int
	listeners map[string]map[int]*listener
}

// NewBus creates a bus whose listeners run on loop
func NewBus(loop *Loop) *Bus {
	return &Bus{
		loop:      loop,
		listeners: make(map[string]map[int]*listener),
	}
}

// Listen registers fn for events of eventType. The returned function removes the listener.
func (b *Bus) Listen(eventType string, fn func(Event)) func() {
	return b.add(eventType, &listener{fn: fn})
}

// ListenOnce registers fn for the next event of eventType only. The returned
// function removes the listener if it has not fired yet.
func (b *Bus) ListenOnce(eventType string, fn func(Event)) func() {
	return b.add(eventType, &listener{fn: fn, once: true})
}

func (b *Bus) add(eventType string, l *listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	if b.listeners[eventType] == nil {
		b.listeners[eventType] = make(map[int]*listener)
	}
	b.listeners[eventType][id] = l
	return func() { b.remove(eventType, id) }
}

func (b *Bus) remove(eventType string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners[eventType], id)
	if len(b.listeners[eventType]) == 0 {
		delete(b.listeners, eventType)
	}
}

// ListenerCount returns the number of listeners for eventType
func (b *Bus) ListenerCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[eventType])
}

// Fire fires an event. Listeners are scheduled on the loop in registration order.
func (b *Bus) Fire(eventType string, data map[string]interface{}) {
	ev := Event{Type: eventType, Data: data, TimeFired: time.Now().UTC()}

	type scheduled struct {
		id   int
		key  string
		what *listener
	}
	var targets []scheduled
	b.mu.Lock()
	for _, key := range []string{eventType, EventMatchAll} {
		if key == EventMatchAll && eventType == EventMatchAll {
			continue
		}
		for id, l := range b.listeners[key] {
			targets = append(targets, scheduled{id: id, key: key, what: l})
		}
	}
	b.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	for _, t := range targets {
		t := t
		b.loop.Call(func() {
			if t.what.once {
				if !t.what.fired.CompareAndSwap(false, true) {
					return
				}
				b.remove(t.key, t.id)
			}
			t.what.fn(ev)
		})
	}
}
