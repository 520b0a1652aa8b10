package lyvo

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/clesyde/lyvo/cloud"
	"github.com/clesyde/lyvo/core/registry"
	"github.com/clesyde/lyvo/host"
)

const testSN = "10000000c0ffee42"

type publishedMessage struct {
	topic   string
	payload string
}

type fakeTransport struct {
	mu          sync.Mutex
	opts        *paho.ClientOptions
	failures    int
	connects    int
	connected   bool
	disconnects int
	published   []publishedMessage
	handlers    map[string]func(topic string, payload []byte)
}

func (f *fakeTransport) factory(opts *paho.ClientOptions) cloud.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = opts
	return f
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connects <= f.failures {
		return errors.New("connection refused")
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Publish(topic string, qos byte, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{topic: topic, payload: string(payload)})
	return nil
}

func (f *fakeTransport) Subscribe(filter string, qos byte, handler func(topic string, payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]func(string, []byte){}
	}
	f.handlers[filter] = handler
	return nil
}

// deliver hands a message to the handler subscribed with filter
func (f *fakeTransport) deliver(filter, topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handlers[filter]
	f.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

func (f *fakeTransport) lastPublished() publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return publishedMessage{}
	}
	return f.published[len(f.published)-1]
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) options() *paho.ClientOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts
}

func testCertificate(t *testing.T) (string, string) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: testSN},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
}

// provisioningServer hands out credentials with status code *status
func provisioningServer(t *testing.T, status *int32) *httptest.Server {
	cert, key := testCertificate(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(cloud.HeaderProvisioningKey) != DevProvisioningKey || r.Header.Get(cloud.HeaderDeviceSerial) != testSN {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s := int(atomic.LoadInt32(status))
		if s != http.StatusOK {
			w.WriteHeader(s)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"thing_name": testSN,
			"endpoint":   "localhost:8883",
			"cert":       cert,
			"key":        key,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

type testEnv struct {
	hass      *host.Hass
	transport *fakeTransport
	status    *int32
}

func newTestEnv(t *testing.T, transport *fakeTransport) *testEnv {
	reg, err := registry.Open(filepath.Join(t.TempDir(), "lyvo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	h := host.New(&host.Builder{ConfigDir: t.TempDir(), Registry: reg})
	t.Cleanup(func() { h.Shutdown(context.Background()) })

	status := int32(http.StatusOK)
	server := provisioningServer(t, &status)
	h.ConfigEntries.RegisterIntegration(NewIntegration(&Builder{
		APIBaseURL:   server.URL,
		SerialNumber: func() string { return testSN },
		NewCloud: func(client cloud.Client) *cloud.Cloud {
			return cloud.New(&cloud.Builder{
				Client:     client,
				Transport:  transport.factory,
				Backoff:    func() backoff.BackOff { return &backoff.ZeroBackOff{} },
				MaxRetries: 1,
			})
		},
	}))
	return &testEnv{hass: h, transport: transport, status: &status}
}

// configure runs the user config flow and returns the created entry
func (e *testEnv) configure(t *testing.T) *host.ConfigEntry {
	ctx := context.Background()
	result, err := e.hass.Flows.Init(ctx, Domain, host.SourceUser, "")
	require.NoError(t, err)
	require.Equal(t, host.FlowResultForm, result.Type)
	result, err = e.hass.Flows.Configure(ctx, result.FlowID, map[string]interface{}{ConfUniqueID: "box-1"})
	require.NoError(t, err)
	require.Equal(t, host.FlowResultCreateEntry, result.Type)
	entry, ok := e.hass.ConfigEntries.Get(result.EntryID)
	require.True(t, ok)
	e.barrier(t)
	return entry
}

// barrier lets callbacks and the dispatch they trigger run through the loop
func (e *testEnv) barrier(t *testing.T) {
	for i := 0; i < 3; i++ {
		require.NoError(t, e.hass.Loop.Barrier(context.Background()))
	}
}

func (e *testEnv) sensorState(t *testing.T) string {
	state, ok := e.hass.States.Get("binary_sensor.clesyde_cloud")
	require.True(t, ok)
	return state.State
}
