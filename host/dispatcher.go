package host

import (
	"sort"
	"sync"
)

// Signal is a named dispatcher signal carrying values of type T
type Signal[T any] string

// Dispatcher delivers signals to connected receivers on the host loop
type Dispatcher struct {
	loop      *Loop
	mu        sync.Mutex
	next      int
	receivers map[string]map[int]func(interface{})
}

// NewDispatcher creates a dispatcher delivering on loop
func NewDispatcher(loop *Loop) *Dispatcher {
	return &Dispatcher{loop: loop, receivers: make(map[string]map[int]func(interface{}))}
}

func (d *Dispatcher) connect(signal string, fn func(interface{})) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next
	d.next++
	if d.receivers[signal] == nil {
		d.receivers[signal] = make(map[int]func(interface{}))
	}
	d.receivers[signal][id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.receivers[signal], id)
	}
}

func (d *Dispatcher) send(signal string, value interface{}) {
	d.mu.Lock()
	ids := make([]int, 0, len(d.receivers[signal]))
	for id := range d.receivers[signal] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(interface{}), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.receivers[signal][id])
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn := fn
		d.loop.Call(func() { fn(value) })
	}
}

// DispatcherConnect connects fn to signal. The returned function disconnects it.
func DispatcherConnect[T any](d *Dispatcher, signal Signal[T], fn func(T)) func() {
	return d.connect(string(signal), func(v interface{}) {
		fn(v.(T))
	})
}

// DispatcherSend sends value to all receivers of signal
func DispatcherSend[T any](d *Dispatcher, signal Signal[T], value T) {
	d.send(string(signal), value)
}
