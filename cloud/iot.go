package cloud

import (
	"context"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// DefaultPort is the MQTT over TLS port of the IoT endpoint
const DefaultPort = 8883

// Transport is an MQTT session
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Publish(topic string, qos byte, retain bool, payload []byte) error
	Subscribe(filter string, qos byte, handler func(topic string, payload []byte)) error
}

// TransportFactory creates a transport for the given client options
type TransportFactory func(opts *paho.ClientOptions) Transport

// NewPahoTransport is the default TransportFactory
func NewPahoTransport(opts *paho.ClientOptions) Transport {
	return &pahoTransport{client: paho.NewClient(opts)}
}

type pahoTransport struct {
	client paho.Client
}

const operationTimeout = 10 * time.Second

func waitToken(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *pahoTransport) Connect(ctx context.Context) error {
	return waitToken(ctx, t.client.Connect())
}

func (t *pahoTransport) Disconnect() {
	t.client.Disconnect(250)
}

func (t *pahoTransport) IsConnected() bool {
	return t.client.IsConnectionOpen()
}

func (t *pahoTransport) Publish(topic string, qos byte, retain bool, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	return waitToken(ctx, t.client.Publish(topic, qos, retain, payload))
}

func (t *pahoTransport) Subscribe(filter string, qos byte, handler func(topic string, payload []byte)) error {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	return waitToken(ctx, t.client.Subscribe(filter, qos, func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	}))
}

// brokerURL turns the endpoint of the configuration into a broker url
func brokerURL(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if !strings.Contains(endpoint, ":") {
		endpoint = fmt.Sprintf("%s:%d", endpoint, DefaultPort)
	}
	return "ssl://" + endpoint
}

// IoT publishes messages on the MQTT session of the cloud
type IoT struct {
	cloud *Cloud
}

// Publish publishes payload to topic
func (i *IoT) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	transport := i.cloud.currentTransport()
	if transport == nil || !transport.IsConnected() {
		return ErrNotConnected
	}
	if err := transport.Publish(topic, qos, retain, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
