package lyvo

import (
	"context"
	"errors"
	"fmt"

	"github.com/clesyde/lyvo/cloud"
	"github.com/clesyde/lyvo/host"
)

func setupBinarySensor(ctx context.Context, h *host.Hass, entry *host.ConfigEntry, add host.AddEntitiesFunc) error {
	c, ok := CloudFromHass(h)
	if !ok {
		return errors.New("cloud is not set up")
	}
	add(NewCloudRemoteBinary(h, c))
	return nil
}

// CloudRemoteBinary is the connectivity sensor of the cloud session
type CloudRemoteBinary struct {
	hass  *host.Hass
	cloud *cloud.Cloud
}

// NewCloudRemoteBinary creates the sensor for c
func NewCloudRemoteBinary(h *host.Hass, c *cloud.Cloud) *CloudRemoteBinary {
	return &CloudRemoteBinary{hass: h, cloud: c}
}

// UniqueID implements host.Entity
func (s *CloudRemoteBinary) UniqueID() string {
	return fmt.Sprintf("%s-%s", Domain, s.cloud.Client().DeviceSN())
}

// Name implements host.Entity
func (s *CloudRemoteBinary) Name() string { return "Clesyde Cloud" }

// IsOn returns true while the cloud session is up
func (s *CloudRemoteBinary) IsOn() bool {
	return s.cloud.Started()
}

// State implements host.Entity
func (s *CloudRemoteBinary) State() string {
	if s.IsOn() {
		return host.StateOn
	}
	return host.StateOff
}

// Available implements host.Entity. The sensor is available once credentials are loaded.
func (s *CloudRemoteBinary) Available() bool {
	return s.cloud.Config().IoTCertFile != ""
}

// Attributes implements host.Entity
func (s *CloudRemoteBinary) Attributes() map[string]interface{} {
	return map[string]interface{}{
		"device_class":    "connectivity",
		"entity_category": "diagnostic",
		"unique_id":       s.UniqueID(),
	}
}

// DeviceInfo implements host.Entity
func (s *CloudRemoteBinary) DeviceInfo() *host.DeviceInfo {
	sn := s.cloud.Client().DeviceSN()
	return &host.DeviceInfo{
		Name:         "LYVO",
		Manufacturer: "CLESYDE SA",
		Model:        "V1",
		SWVersion:    "1.0",
		SerialNumber: sn,
		Identifiers:  [][2]string{{Domain, "CLESYDE-LYVO-" + sn}},
	}
}

// AddedToHass implements host.EntityLifecycle. The state is written again
// whenever the connection state changes.
func (s *CloudRemoteBinary) AddedToHass(handle *host.EntityHandle) {
	disconnect := host.DispatcherConnect(s.hass.Dispatcher, SignalCloudConnectionState, func(CloudConnectionState) {
		handle.WriteState()
	})
	handle.OnRemove(disconnect)
}
