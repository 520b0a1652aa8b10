/*
Package host is a small home-automation host

It runs integrations from config entries on a single event loop. The host owns
the event bus, the state machine, the service registry, the signal dispatcher,
the entity platforms, config and options flows and a REST API in front of them.

Builder is used to create a Hass:

	hass := host.New(&host.Builder{
		ConfigDir: "/config",
		Registry:  registry.MustOpen("/config/lyvo.db"),
	})
	hass.ConfigEntries.RegisterIntegration(lyvo.NewIntegration())
	hass.Start(ctx)
*/
package host

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/clesyde/lyvo/core/logger"
	"github.com/clesyde/lyvo/core/registry"
)

// Version is the host version reported by the API and in ServerSoftware
var Version = "dev"

// Builder is a builder helper for Hass
type Builder struct {
	// ConfigDir is the directory integrations keep their files in. Mandatory.
	ConfigDir string
	// Registry persists config entries. Mandatory.
	Registry registry.Registry
	// HTTPClient is the shared http session of integrations. Defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	// Name is the product name used in ServerSoftware. Defaults to "LYVO".
	Name string
}

// Hass is the host. All fields are ready to use after New.
type Hass struct {
	ConfigDir     string
	HTTPClient    *http.Client
	Loop          *Loop
	Bus           *Bus
	States        *StateMachine
	Services      *Services
	Dispatcher    *Dispatcher
	Entities      *Entities
	ConfigEntries *ConfigEntries
	Flows         *Flows

	name string

	dataMu sync.Mutex
	data   map[string]interface{}

	stopOnce sync.Once
}

// New creates a new host. The event loop is started right away.
func New(bdb *Builder) *Hass {
	if bdb.ConfigDir == "" {
		panic("ConfigDir missing")
	}
	if bdb.Registry == (registry.Registry{}) {
		panic("Registry missing")
	}
	httpClient := bdb.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	name := bdb.Name
	if name == "" {
		name = "LYVO"
	}

	loop := NewLoop()
	bus := NewBus(loop)
	states := NewStateMachine(bus)
	h := &Hass{
		ConfigDir:  bdb.ConfigDir,
		HTTPClient: httpClient,
		Loop:       loop,
		Bus:        bus,
		States:     states,
		Services:   NewServices(bus),
		Dispatcher: NewDispatcher(loop),
		Entities:   NewEntities(states),
		name:       name,
		data:       make(map[string]interface{}),
	}
	h.ConfigEntries = newConfigEntries(h, bdb.Registry.Accessor("config_entries"))
	h.Flows = newFlows(h)
	return h
}

// ServerSoftware identifies the host towards remote APIs
func (h *Hass) ServerSoftware() string {
	return fmt.Sprintf("%s/%s Go/%s (%s; %s)", h.name, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Data returns the integration data stored under key
func (h *Hass) Data(key string) (interface{}, bool) {
	h.dataMu.Lock()
	defer h.dataMu.Unlock()
	v, ok := h.data[key]
	return v, ok
}

// SetData stores integration data under key
func (h *Hass) SetData(key string, value interface{}) {
	h.dataMu.Lock()
	defer h.dataMu.Unlock()
	h.data[key] = value
}

// DeleteData removes the integration data stored under key
func (h *Hass) DeleteData(key string) {
	h.dataMu.Lock()
	defer h.dataMu.Unlock()
	delete(h.data, key)
}

// Start loads the persisted config entries and sets them up
func (h *Hass) Start(ctx context.Context) error {
	if err := h.ConfigEntries.Load(); err != nil {
		return err
	}
	h.ConfigEntries.SetupAll(ctx)
	return nil
}

// Shutdown fires the stop event, unloads all loaded entries and closes the loop.
// Only the first call has an effect.
func (h *Hass) Shutdown(ctx context.Context) error {
	var err error
	h.stopOnce.Do(func() {
		rlog := logger.FromContext(ctx)
		h.Bus.Fire(EventHostStop, map[string]interface{}{})
		if err = h.Loop.Barrier(ctx); err != nil {
			return
		}
		for _, entry := range h.ConfigEntries.Entries("") {
			if entry.State != EntryStateLoaded {
				continue
			}
			if _, uerr := h.ConfigEntries.Unload(ctx, entry.EntryID); uerr != nil {
				rlog.WithError(uerr).Errorf("unload of entry %s failed", entry.EntryID)
			}
		}
		err = h.Loop.Close()
	})
	return err
}
