package cloud

import (
	"fmt"
	"strings"
)

// Shadow operations
const (
	ShadowGet         = "get"
	ShadowGetAccepted = "get/accepted"
	ShadowUpdate      = "update"
	ShadowUpdateDelta = "update/delta"
)

// IoTMessage builds the topics of one device
type IoTMessage struct {
	sn string
}

// NewIoTMessage returns the topic builder for device sn
func NewIoTMessage(sn string) IoTMessage {
	return IoTMessage{sn: sn}
}

// StatusTopic is the topic the device reports its status on
func (m IoTMessage) StatusTopic() string {
	return fmt.Sprintf("clesyde/%s/status", m.sn)
}

// ShadowTopic is the topic of operation op on the named shadow
func (m IoTMessage) ShadowTopic(name, op string) string {
	return fmt.Sprintf("$aws/things/%s/shadow/name/%s/%s", m.sn, name, op)
}

// ShadowFilter is the subscription filter for operation op on all named shadows
func (m IoTMessage) ShadowFilter(op string) string {
	return fmt.Sprintf("$aws/things/%s/shadow/name/+/%s", m.sn, op)
}

// ParseShadowTopic returns shadow name and operation of a named shadow topic of this device
func (m IoTMessage) ParseShadowTopic(topic string) (name string, op string, ok bool) {
	prefix := fmt.Sprintf("$aws/things/%s/shadow/name/", m.sn)
	if !strings.HasPrefix(topic, prefix) {
		return "", "", false
	}
	rest := strings.SplitN(strings.TrimPrefix(topic, prefix), "/", 2)
	if len(rest) != 2 || rest[0] == "" || rest[1] == "" {
		return "", "", false
	}
	return rest[0], rest[1], true
}
