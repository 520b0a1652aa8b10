package devcloud

import "strings"

// validSerial reports whether sn can be used as a topic level
func validSerial(sn string) bool {
	return sn != "" && !strings.ContainsAny(sn, "/+#")
}

// PublishAllowed is the publish policy: a device publishes below its own
// status and shadow topics only.
func PublishAllowed(sn, topic string) bool {
	if !validSerial(sn) || strings.ContainsAny(topic, "+#") {
		return false
	}
	return strings.HasPrefix(topic, "clesyde/"+sn+"/") || strings.HasPrefix(topic, "$aws/things/"+sn+"/")
}

// SubscribeAllowed is the subscribe policy: a device subscribes to its own
// shadow topics only.
func SubscribeAllowed(sn, filter string) bool {
	if !validSerial(sn) {
		return false
	}
	rest := strings.TrimPrefix(filter, "$aws/things/"+sn+"/shadow/")
	if rest == filter || rest == "" {
		return false
	}
	// a multi-level wildcard must be the last level
	if i := strings.Index(rest, "#"); i >= 0 && (i != len(rest)-1 || (i > 0 && rest[i-1] != '/')) {
		return false
	}
	return true
}
