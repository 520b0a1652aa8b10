package host

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"
)

// Platform is an entity platform an entry can be forwarded to
type Platform string

// Supported entity platforms
const (
	PlatformBinarySensor Platform = "binary_sensor"
	PlatformSensor       Platform = "sensor"
)

// StateUnavailable is written for entities which are not available
const StateUnavailable = "unavailable"

// Binary sensor states
const (
	StateOn  = "on"
	StateOff = "off"
)

// DeviceInfo describes the device an entity belongs to
type DeviceInfo struct {
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Model        string      `json:"model,omitempty"`
	SWVersion    string      `json:"sw_version,omitempty"`
	SerialNumber string      `json:"serial_number,omitempty"`
	Identifiers  [][2]string `json:"identifiers"`
}

// ID returns the device id, which is the value of the first identifier
func (d DeviceInfo) ID() string {
	if len(d.Identifiers) == 0 {
		return ""
	}
	return d.Identifiers[0][1]
}

// Entity is implemented by everything an entity platform can add
type Entity interface {
	UniqueID() string
	Name() string
	State() string
	Available() bool
	Attributes() map[string]interface{}
	DeviceInfo() *DeviceInfo
}

// EntityLifecycle is optionally implemented by entities which need to know their handle
type EntityLifecycle interface {
	AddedToHass(handle *EntityHandle)
}

// EntityHandle connects an added entity to the state machine
type EntityHandle struct {
	EntityID string
	entity   Entity
	states   *StateMachine

	mu       sync.Mutex
	onRemove []func()
}

// WriteState writes the current state of the entity to the state machine
func (e *EntityHandle) WriteState() {
	state := e.entity.State()
	if !e.entity.Available() {
		state = StateUnavailable
	}
	attributes := map[string]interface{}{}
	for k, v := range e.entity.Attributes() {
		attributes[k] = v
	}
	attributes["friendly_name"] = e.entity.Name()
	e.states.Set(e.EntityID, state, attributes)
}

// OnRemove registers fn to be called when the entity is removed
func (e *EntityHandle) OnRemove(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRemove = append(e.onRemove, fn)
}

func (e *EntityHandle) remove() {
	e.mu.Lock()
	fns := e.onRemove
	e.onRemove = nil
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	e.states.Remove(e.EntityID)
}

// AddEntitiesFunc adds entities to the platform of an entry
type AddEntitiesFunc func(entities ...Entity)

// PlatformSetupFunc sets up an entity platform for an entry
type PlatformSetupFunc func(ctx context.Context, h *Hass, entry *ConfigEntry, add AddEntitiesFunc) error

// PlatformProvider is implemented by integrations which forward entries to entity platforms
type PlatformProvider interface {
	PlatformSetup(platform Platform) (PlatformSetupFunc, bool)
}

// Entities keeps track of all entities added through entity platforms
type Entities struct {
	states *StateMachine
	mu     sync.Mutex
	// entity id -> handle
	handles map[string]*EntityHandle
	// entry id -> platform -> entity ids
	byEntry map[string]map[Platform][]string
}

// NewEntities creates an empty entity collection on top of states
func NewEntities(states *StateMachine) *Entities {
	return &Entities{
		states:  states,
		handles: make(map[string]*EntityHandle),
		byEntry: make(map[string]map[Platform][]string),
	}
}

// Add adds entities of the given platform to entryID and writes their state
func (es *Entities) Add(entryID string, platform Platform, entities ...Entity) []*EntityHandle {
	var added []*EntityHandle
	es.mu.Lock()
	for _, entity := range entities {
		handle := &EntityHandle{
			EntityID: es.uniqueEntityID(platform, entity.Name()),
			entity:   entity,
			states:   es.states,
		}
		es.handles[handle.EntityID] = handle
		if es.byEntry[entryID] == nil {
			es.byEntry[entryID] = make(map[Platform][]string)
		}
		es.byEntry[entryID][platform] = append(es.byEntry[entryID][platform], handle.EntityID)
		added = append(added, handle)
	}
	es.mu.Unlock()

	for _, handle := range added {
		if lc, ok := handle.entity.(EntityLifecycle); ok {
			lc.AddedToHass(handle)
		}
		handle.WriteState()
	}
	return added
}

// Remove removes all entities of platform from entryID
func (es *Entities) Remove(entryID string, platform Platform) {
	es.mu.Lock()
	ids := es.byEntry[entryID][platform]
	delete(es.byEntry[entryID], platform)
	if len(es.byEntry[entryID]) == 0 {
		delete(es.byEntry, entryID)
	}
	var handles []*EntityHandle
	for _, id := range ids {
		handles = append(handles, es.handles[id])
		delete(es.handles, id)
	}
	es.mu.Unlock()

	for _, handle := range handles {
		handle.remove()
	}
}

// Get returns the entity with entityID
func (es *Entities) Get(entityID string) (Entity, bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	handle, ok := es.handles[entityID]
	if !ok {
		return nil, false
	}
	return handle.entity, true
}

// Devices returns the devices of all entities of entryID, keyed by device id
func (es *Entities) Devices(entryID string) map[string]DeviceInfo {
	es.mu.Lock()
	defer es.mu.Unlock()
	devices := map[string]DeviceInfo{}
	for _, ids := range es.byEntry[entryID] {
		for _, id := range ids {
			if info := es.handles[id].entity.DeviceInfo(); info != nil && info.ID() != "" {
				devices[info.ID()] = *info
			}
		}
	}
	return devices
}

// must be called with es.mu held
func (es *Entities) uniqueEntityID(platform Platform, name string) string {
	base := string(platform) + "." + Slugify(name)
	id := base
	for i := 2; ; i++ {
		if _, taken := es.handles[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

// Slugify turns a display name into an object id, "Clesyde Cloud" becomes "clesyde_cloud"
func Slugify(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) && r < unicode.MaxASCII || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "_")
	if slug == "" {
		return "unnamed"
	}
	return slug
}
