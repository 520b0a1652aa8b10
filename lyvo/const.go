package lyvo

import "github.com/clesyde/lyvo/host"

// Domain of the integration
const Domain = "lyvo"

const (
	// RootPath is the directory below the config dir the cloud keeps its credentials in
	RootPath = "cloud-config-storage"
	// APIURL is the production cloud API
	APIURL = "https://w7xs6miqla.execute-api.eu-west-1.amazonaws.com/api"

	// ModeDevelopment and ModeProduction select the cloud environment
	ModeDevelopment = "development"
	ModeProduction  = "production"

	// DataCloud is the hass data key of the cloud object
	DataCloud = "CLESYDE_LYVO"

	// DevSN is the serial number used when the hardware has none
	DevSN = "aabbccddeeff1245"
	// DevProvisioningKey is the provisioning key of development devices
	DevProvisioningKey = "c74e5eadba2b91c8a5aff9147ded17104f5dcbfb04a48061ff81831c880e4d2f"

	// ServicePing publishes a ping on the status topic
	ServicePing = "cloud_mqtt_ping_service"
	// ServiceSendMessage publishes a payload on the status or config topic
	ServiceSendMessage = "cloud_send_mqtt_message_service"
	// AttrPayload and AttrTopic are the fields of ServiceSendMessage
	AttrPayload = "payload"
	AttrTopic   = "topic"

	// ConfEntryID is unique id and title of the one config entry
	ConfEntryID = "CLESYDE LYVO BOX"
	// ConfUniqueID is the only field of the config flow
	ConfUniqueID = "unique_id"

	// EventShadowReceived is fired on the bus for every named shadow document
	EventShadowReceived = "lyvo_shadow_received"

	// MemoryFreeEntityID is the sensor whose changes are logged
	MemoryFreeEntityID = "sensor.system_monitor_memory_free"
)

// Platforms the config entry is forwarded to
var Platforms = []host.Platform{host.PlatformBinarySensor}

// CloudConnectionState is sent on SignalCloudConnectionState
type CloudConnectionState string

// Cloud connection states
const (
	CloudConnected    CloudConnectionState = "cloud_connected"
	CloudInitialized  CloudConnectionState = "cloud_initialized"
	CloudDisconnected CloudConnectionState = "cloud_disconnected"
)

// SignalCloudConnectionState reports changes of the cloud connection
var SignalCloudConnectionState = host.Signal[CloudConnectionState]("CLOUD_CONNECTION_STATE")
