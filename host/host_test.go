package host

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clesyde/lyvo/core/registry"
	"github.com/clesyde/lyvo/core/schema"
)

const demoDomain = "demo"

var demoSchema = schema.MustCompile(`{
	"$id": "https://lyvo.test/demo-user.json",
	"type": "object",
	"properties": {
		"name": {"type": "string"}
	},
	"additionalProperties": false
}`)

type demoEntity struct {
	mu        sync.Mutex
	on        bool
	available bool
}

func (e *demoEntity) UniqueID() string { return "demo-1" }
func (e *demoEntity) Name() string     { return "Demo Sensor" }
func (e *demoEntity) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.on {
		return StateOn
	}
	return StateOff
}
func (e *demoEntity) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available
}
func (e *demoEntity) Attributes() map[string]interface{} {
	return map[string]interface{}{"device_class": "connectivity"}
}
func (e *demoEntity) DeviceInfo() *DeviceInfo {
	return &DeviceInfo{Name: "Demo", Identifiers: [][2]string{{demoDomain, "demo-device"}}}
}

type demoIntegration struct {
	mu       sync.Mutex
	setupErr error
	setups   int
	unloads  int
	entity   *demoEntity
}

func newDemoIntegration() *demoIntegration {
	return &demoIntegration{entity: &demoEntity{available: true}}
}

func (d *demoIntegration) Domain() string { return demoDomain }

func (d *demoIntegration) SetupEntry(ctx context.Context, h *Hass, entry *ConfigEntry) error {
	d.mu.Lock()
	err := d.setupErr
	if err == nil {
		d.setups++
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	h.Services.Register(demoDomain, "echo", func(ctx context.Context, call ServiceCall) error {
		msg, ok := call.String("message")
		if !ok {
			return errors.New("message missing")
		}
		h.States.Set("demo.echo", msg, nil)
		return nil
	})
	return h.ConfigEntries.ForwardEntrySetups(ctx, entry, PlatformBinarySensor)
}

func (d *demoIntegration) UnloadEntry(ctx context.Context, h *Hass, entry *ConfigEntry) (bool, error) {
	ok, err := h.ConfigEntries.UnloadPlatforms(ctx, entry, PlatformBinarySensor)
	h.Services.Remove(demoDomain, "echo")
	d.mu.Lock()
	d.unloads++
	d.mu.Unlock()
	return ok, err
}

func (d *demoIntegration) ConfigFlow() FlowHandler { return &demoFlow{} }

func (d *demoIntegration) PlatformSetup(platform Platform) (PlatformSetupFunc, bool) {
	if platform != PlatformBinarySensor {
		return nil, false
	}
	return func(ctx context.Context, h *Hass, entry *ConfigEntry, add AddEntitiesFunc) error {
		add(d.entity)
		return nil
	}, true
}

func (d *demoIntegration) RemoveConfigEntryDevice(ctx context.Context, h *Hass, entry *ConfigEntry, device DeviceEntry) (bool, error) {
	return device.ID == "demo-device", nil
}

func (d *demoIntegration) OptionsFlow(entry *ConfigEntry) FlowHandler {
	return &demoOptionsFlow{entry: entry}
}

func (d *demoIntegration) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setups, d.unloads
}

type demoFlow struct{}

func (f *demoFlow) Step(ctx context.Context, flow *Flow, stepID string, input map[string]interface{}) (*FlowResult, error) {
	switch stepID {
	case SourceUser, SourceSystem:
		if input == nil {
			return flow.ShowForm(SourceUser, demoSchema, nil), nil
		}
		flow.SetUniqueID("demo-unique")
		if res := flow.AbortIfUniqueIDConfigured(); res != nil {
			return res, nil
		}
		return flow.CreateEntry("Demo", input), nil
	case SourceReconfigure:
		if input == nil {
			return flow.ShowForm(SourceReconfigure, demoSchema, nil), nil
		}
		entry, err := flow.Entry()
		if err != nil {
			return nil, err
		}
		data := map[string]interface{}{}
		for k, v := range entry.Data {
			data[k] = v
		}
		for k, v := range input {
			data[k] = v
		}
		return flow.UpdateReloadAndAbort(ctx, entry, data, "reconfigure_successful")
	}
	return flow.Abort("not_supported"), nil
}

type demoOptionsFlow struct {
	entry *ConfigEntry
}

func (f *demoOptionsFlow) Step(ctx context.Context, flow *Flow, stepID string, input map[string]interface{}) (*FlowResult, error) {
	if input == nil {
		return flow.ShowForm(StepInit, demoSchema, nil), nil
	}
	return flow.CreateEntry("", input), nil
}

func newTestRegistry(t *testing.T) registry.Registry {
	reg, err := registry.Open(filepath.Join(t.TempDir(), "host.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func newTestHass(t *testing.T, reg registry.Registry) *Hass {
	h := New(&Builder{ConfigDir: t.TempDir(), Registry: reg})
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h
}

func barrier(t *testing.T, h *Hass) {
	require.NoError(t, h.Loop.Barrier(context.Background()))
}
