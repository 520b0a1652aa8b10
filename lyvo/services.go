package lyvo

import (
	"context"
	"errors"
	"fmt"

	"github.com/clesyde/lyvo/cloud"
	"github.com/clesyde/lyvo/core/logger"
	"github.com/clesyde/lyvo/host"
)

var pingPayload = []byte(`{"state": "PING"}`)

func registerServices(h *host.Hass) {
	h.Services.Register(Domain, ServicePing, func(ctx context.Context, call host.ServiceCall) error {
		return sendPing(ctx, h)
	})
	h.Services.Register(Domain, ServiceSendMessage, func(ctx context.Context, call host.ServiceCall) error {
		return sendMessage(ctx, h, call)
	})
}

func removeServices(h *host.Hass) {
	h.Services.Remove(Domain, ServicePing)
	h.Services.Remove(Domain, ServiceSendMessage)
}

func cloudForService(h *host.Hass) (*cloud.Cloud, error) {
	c, ok := CloudFromHass(h)
	if !ok {
		return nil, errors.New("cloud is not set up")
	}
	return c, nil
}

// sendPing publishes a ping on the status topic
func sendPing(ctx context.Context, h *host.Hass) error {
	c, err := cloudForService(h)
	if err != nil {
		return err
	}
	return publish(ctx, c, c.IoTMessage.StatusTopic(), pingPayload)
}

// sendMessage publishes the payload of the call on the topic the call selects
func sendMessage(ctx context.Context, h *host.Hass, call host.ServiceCall) error {
	payload, ok := call.String(AttrPayload)
	if !ok {
		return fmt.Errorf("%s is required", AttrPayload)
	}
	topic, ok := call.String(AttrTopic)
	if !ok {
		return fmt.Errorf("%s is required", AttrTopic)
	}
	c, err := cloudForService(h)
	if err != nil {
		return err
	}
	return publish(ctx, c, TargetTopic(c.IoTMessage, c.Client().DeviceSN(), topic), []byte(payload))
}

// TargetTopic maps the topic selector of ServiceSendMessage to an MQTT topic.
// Unknown selectors map to the empty topic.
func TargetTopic(m cloud.IoTMessage, sn, topic string) string {
	switch topic {
	case "status":
		return m.StatusTopic()
	case "config":
		return fmt.Sprintf("$aws/things/%s/shadow/name/config/get", sn)
	}
	return ""
}

func publish(ctx context.Context, c *cloud.Cloud, topic string, payload []byte) error {
	if err := c.IoT.Publish(topic, payload, 0, false); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot publish to '%s'", topic)
		return err
	}
	return nil
}
