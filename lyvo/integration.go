/*
Package lyvo connects a LYVO box to the CLESYDE cloud

The integration is set up from a single config entry. It provisions the box,
keeps the cloud session and offers:

	binary_sensor.clesyde_cloud          on while the cloud session is up
	lyvo.cloud_mqtt_ping_service         publishes {"state": "PING"} on the status topic
	lyvo.cloud_send_mqtt_message_service publishes a payload on the "status" or "config" topic

The cloud object is kept as hass data under DataCloud. Named shadow documents the
cloud sends are fired on the bus as EventShadowReceived.
*/
package lyvo

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/clesyde/lyvo/cloud"
	"github.com/clesyde/lyvo/core/logger"
	"github.com/clesyde/lyvo/host"
)

// Builder is a builder helper for the integration
type Builder struct {
	// APIBaseURL is the cloud API. Defaults to APIURL.
	APIBaseURL string
	// ProvisioningKey is sent when requesting credentials. Defaults to DevProvisioningKey.
	ProvisioningKey string
	// SerialNumber resolves the serial number of the box. Defaults to SerialNumber.
	SerialNumber func() string
	// NewCloud creates the cloud for a client. Defaults to cloud.New with default options.
	NewCloud func(client cloud.Client) *cloud.Cloud
}

// Integration is the lyvo integration
type Integration struct {
	apiBaseURL      string
	provisioningKey string
	serialNumber    func() string
	newCloud        func(client cloud.Client) *cloud.Cloud
}

// RuntimeData is what a loaded entry keeps besides the cloud
type RuntimeData struct {
	CancelSensorUpdateListener func()
	CancelStopListener         func()
}

// NewIntegration creates the integration
func NewIntegration(bdb *Builder) *Integration {
	i := &Integration{
		apiBaseURL:      bdb.APIBaseURL,
		provisioningKey: bdb.ProvisioningKey,
		serialNumber:    bdb.SerialNumber,
		newCloud:        bdb.NewCloud,
	}
	if i.apiBaseURL == "" {
		i.apiBaseURL = APIURL
	}
	if i.provisioningKey == "" {
		i.provisioningKey = DevProvisioningKey
	}
	if i.serialNumber == nil {
		i.serialNumber = SerialNumber
	}
	if i.newCloud == nil {
		i.newCloud = func(client cloud.Client) *cloud.Cloud {
			return cloud.New(&cloud.Builder{Client: client})
		}
	}
	return i
}

// Domain implements host.Integration
func (i *Integration) Domain() string { return Domain }

func runtimeDataKey(entryID string) string {
	return Domain + "/" + entryID
}

// CloudFromHass returns the cloud of the loaded entry
func CloudFromHass(h *host.Hass) (*cloud.Cloud, bool) {
	v, ok := h.Data(DataCloud)
	if !ok {
		return nil, false
	}
	c, ok := v.(*cloud.Cloud)
	return c, ok
}

// SetupEntry implements host.Integration
func (i *Integration) SetupEntry(ctx context.Context, h *host.Hass, entry *host.ConfigEntry) error {
	rlog := logger.FromContext(ctx).WithField("component", Domain)

	runtime := &RuntimeData{
		CancelSensorUpdateListener: host.TrackStateChange(h, []string{MemoryFreeEntityID}, func(ev host.Event) {
			change := host.StateChangedDataFromEvent(ev)
			logger.Component(Domain).Infof("UPDATE RECEIVED: %s - %s > %s",
				change.EntityID, stateString(change.OldState), stateString(change.NewState))
		}),
	}
	h.SetData(runtimeDataKey(entry.EntryID), runtime)

	client, err := NewCloudClient(h, i.apiBaseURL, i.serialNumber())
	if err != nil {
		runtime.CancelSensorUpdateListener()
		h.DeleteData(runtimeDataKey(entry.EntryID))
		return err
	}
	c := i.newCloud(client)
	h.SetData(DataCloud, c)

	runtime.CancelStopListener = h.Bus.ListenOnce(host.EventHostStop, func(ev host.Event) {
		if err := c.Stop(context.Background()); err != nil {
			logger.Component(Domain).WithError(err).Errorln("cannot stop cloud")
		}
	})

	var loaded atomic.Bool
	c.RegisterOnStart(func(ctx context.Context) error {
		host.DispatcherSend(h.Dispatcher, SignalCloudConnectionState, CloudConnected)
		// discovery runs once per setup
		if !loaded.CompareAndSwap(false, true) {
			return nil
		}
		if _, err := h.Flows.Init(ctx, Domain, host.SourceSystem, ""); err != nil {
			return fmt.Errorf("system flow: %w", err)
		}
		logger.Component(Domain).Debugln("Cloud started")
		return nil
	})
	c.RegisterOnStop(func(ctx context.Context) error {
		logger.Component(Domain).Debugln("Cloud stopped")
		host.DispatcherSend(h.Dispatcher, SignalCloudConnectionState, CloudDisconnected)
		return nil
	})
	c.RegisterOnInitialized(func(ctx context.Context) error {
		logger.Component(Domain).Debugln("Cloud initialized")
		host.DispatcherSend(h.Dispatcher, SignalCloudConnectionState, CloudInitialized)
		return nil
	})
	c.RegisterOnShadow(func(name string, document []byte) {
		h.Bus.Fire(EventShadowReceived, map[string]interface{}{
			"name":     name,
			"document": string(document),
		})
	})

	if err := c.Provisioning.StartProvisioning(ctx, i.provisioningKey); err != nil {
		i.teardown(ctx, h, entry)
		return fmt.Errorf("provisioning: %w", err)
	}
	if err := c.Initialize(ctx); err != nil {
		rlog.WithError(err).Errorln("cloud initialization failed")
	}

	registerServices(h)

	if err := h.ConfigEntries.ForwardEntrySetups(ctx, entry, Platforms...); err != nil {
		i.teardown(ctx, h, entry)
		return err
	}
	rlog.Infof("CONFIG DIR: %s", h.ConfigDir)
	return nil
}

// UnloadEntry implements host.Integration
func (i *Integration) UnloadEntry(ctx context.Context, h *host.Hass, entry *host.ConfigEntry) (bool, error) {
	ok, err := h.ConfigEntries.UnloadPlatforms(ctx, entry, Platforms...)
	if err != nil || !ok {
		return ok, err
	}
	i.teardown(ctx, h, entry)
	return true, nil
}

// teardown releases everything SetupEntry acquired
func (i *Integration) teardown(ctx context.Context, h *host.Hass, entry *host.ConfigEntry) {
	if v, ok := h.Data(runtimeDataKey(entry.EntryID)); ok {
		runtime := v.(*RuntimeData)
		if runtime.CancelSensorUpdateListener != nil {
			runtime.CancelSensorUpdateListener()
		}
		if runtime.CancelStopListener != nil {
			runtime.CancelStopListener()
		}
		h.DeleteData(runtimeDataKey(entry.EntryID))
	}
	removeServices(h)
	if c, ok := CloudFromHass(h); ok {
		if err := c.Stop(ctx); err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("cannot stop cloud")
		}
		h.DeleteData(DataCloud)
	}
}

// RemoveConfigEntryDevice implements host.DeviceRemover. Devices can always be removed.
func (i *Integration) RemoveConfigEntryDevice(ctx context.Context, h *host.Hass, entry *host.ConfigEntry, device host.DeviceEntry) (bool, error) {
	return true, nil
}

// PlatformSetup implements host.PlatformProvider
func (i *Integration) PlatformSetup(platform host.Platform) (host.PlatformSetupFunc, bool) {
	if platform == host.PlatformBinarySensor {
		return setupBinarySensor, true
	}
	return nil, false
}

func stateString(state *host.State) string {
	if state == nil {
		return "None"
	}
	return state.State
}
