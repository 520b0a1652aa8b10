package host

import (
	"reflect"
	"sort"
	"sync"
	"time"
)

// State is the state of one entity
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// StateChangedData is the payload of EventStateChanged
type StateChangedData struct {
	EntityID string
	OldState *State
	NewState *State
}

// StateChangedDataFromEvent extracts the state change from a state_changed event
func StateChangedDataFromEvent(ev Event) StateChangedData {
	data := StateChangedData{}
	data.EntityID, _ = ev.Data["entity_id"].(string)
	data.OldState, _ = ev.Data["old_state"].(*State)
	data.NewState, _ = ev.Data["new_state"].(*State)
	return data
}

// StateMachine keeps the current state of all entities
type StateMachine struct {
	bus    *Bus
	mu     sync.RWMutex
	states map[string]*State
}

// NewStateMachine creates a state machine which reports changes on bus
func NewStateMachine(bus *Bus) *StateMachine {
	return &StateMachine{bus: bus, states: make(map[string]*State)}
}

// Get returns a copy of the state of entityID
func (s *StateMachine) Get(entityID string) (*State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[entityID]
	if !ok {
		return nil, false
	}
	c := *st
	return &c, true
}

// All returns copies of all states, sorted by entity id
func (s *StateMachine) All() []State {
	s.mu.RLock()
	all := make([]State, 0, len(s.states))
	for _, st := range s.states {
		all = append(all, *st)
	}
	s.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].EntityID < all[j].EntityID })
	return all
}

// Set sets the state of entityID. A state_changed event is fired unless neither
// state nor attributes changed.
func (s *StateMachine) Set(entityID, state string, attributes map[string]interface{}) {
	if attributes == nil {
		attributes = map[string]interface{}{}
	}
	now := time.Now().UTC()

	s.mu.Lock()
	old, exists := s.states[entityID]
	if exists && old.State == state && reflect.DeepEqual(old.Attributes, attributes) {
		s.mu.Unlock()
		return
	}
	next := &State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	if exists && old.State == state {
		next.LastChanged = old.LastChanged
	}
	s.states[entityID] = next
	s.mu.Unlock()

	var oldCopy *State
	if exists {
		c := *old
		oldCopy = &c
	}
	newCopy := *next
	s.bus.Fire(EventStateChanged, map[string]interface{}{
		"entity_id": entityID,
		"old_state": oldCopy,
		"new_state": &newCopy,
	})
}

// Remove removes the state of entityID. It returns false if there was none.
func (s *StateMachine) Remove(entityID string) bool {
	s.mu.Lock()
	old, exists := s.states[entityID]
	delete(s.states, entityID)
	s.mu.Unlock()
	if !exists {
		return false
	}
	s.bus.Fire(EventStateChanged, map[string]interface{}{
		"entity_id": entityID,
		"old_state": old,
		"new_state": (*State)(nil),
	})
	return true
}

// TrackStateChange calls fn for state changes of the given entities. The returned
// function cancels the subscription.
func TrackStateChange(h *Hass, entityIDs []string, fn func(Event)) func() {
	wanted := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		wanted[id] = true
	}
	return h.Bus.Listen(EventStateChanged, func(ev Event) {
		if id, _ := ev.Data["entity_id"].(string); wanted[id] {
			fn(ev)
		}
	})
}
