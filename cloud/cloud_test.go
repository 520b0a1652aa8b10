package cloud

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
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSN = "0123456789abcdef"

// directLoop runs jobs right away, one at a time
type directLoop struct {
	mu     sync.Mutex
	closed bool
}

func (l *directLoop) Call(job func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	job()
	return true
}

type testClient struct {
	basePath   string
	apiBaseURL string
	httpClient *http.Client
	loop       *directLoop
}

func newTestClient(t *testing.T) *testClient {
	return &testClient{
		basePath:   t.TempDir(),
		apiBaseURL: "http://127.0.0.1:1/api",
		httpClient: http.DefaultClient,
		loop:       &directLoop{},
	}
}

func (c *testClient) BasePath() string         { return c.basePath }
func (c *testClient) HTTPClient() *http.Client { return c.httpClient }
func (c *testClient) Loop() Loop               { return c.loop }
func (c *testClient) ClientName() string       { return "LYVO-test/1.0" }
func (c *testClient) APIBaseURL() string       { return c.apiBaseURL }
func (c *testClient) DeviceSN() string         { return testSN }

type publishedMessage struct {
	topic   string
	qos     byte
	retain  bool
	payload string
}

type fakeTransport struct {
	mu            sync.Mutex
	opts          *paho.ClientOptions
	failures      int
	block         bool
	connects      int
	connected     bool
	disconnects   int
	published     []publishedMessage
	subscriptions map[string]func(string, []byte)
}

func (f *fakeTransport) factory(opts *paho.ClientOptions) Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = opts
	if f.subscriptions == nil {
		f.subscriptions = map[string]func(string, []byte){}
	}
	return f
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	if f.block {
		f.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	defer f.mu.Unlock()
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
	f.published = append(f.published, publishedMessage{topic: topic, qos: qos, retain: retain, payload: string(payload)})
	return nil
}

func (f *fakeTransport) Subscribe(filter string, qos byte, handler func(topic string, payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[filter] = handler
	return nil
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) setConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

func (f *fakeTransport) deliver(filter, topic, payload string) {
	f.mu.Lock()
	handler := f.subscriptions[filter]
	f.mu.Unlock()
	handler(topic, []byte(payload))
}

// testCredentials returns a self signed certificate and its key in PEM
func testCredentials(t *testing.T, cn string) (string, string) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return string(certPEM), string(keyPEM)
}

func provision(t *testing.T, basePath string) {
	cert, key := testCredentials(t, testSN)
	_, err := credentials{ThingName: testSN, Endpoint: "localhost:8883", Certificate: cert, Key: key}.store(basePath)
	require.NoError(t, err)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) callback(name string) Callback {
	return func(ctx context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, name)
		return nil
	}
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestCloud(t *testing.T, transport *fakeTransport, maxRetries uint64) (*Cloud, *testClient, *recorder) {
	client := newTestClient(t)
	c := New(&Builder{
		Client:     client,
		Transport:  transport.factory,
		Backoff:    func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		MaxRetries: maxRetries,
	})
	rec := &recorder{}
	c.RegisterOnInitialized(rec.callback("initialized"))
	c.RegisterOnStart(rec.callback("start"))
	c.RegisterOnStop(rec.callback("stop"))
	return c, client, rec
}

func TestInitializeWithoutCredentials(t *testing.T) {
	c, _, rec := newTestCloud(t, &fakeTransport{}, 3)

	err := c.Initialize(context.Background())
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Empty(t, rec.get())
	assert.False(t, c.Started())
	assert.Empty(t, c.Config().IoTCertFile)
}

func TestInitializeConnects(t *testing.T) {
	transport := &fakeTransport{}
	c, client, rec := newTestCloud(t, transport, 3)
	provision(t, client.basePath)

	require.NoError(t, c.Initialize(context.Background()))
	assert.True(t, c.Started())
	assert.Equal(t, 1, transport.connects)
	assert.Equal(t, []string{"initialized", "start"}, rec.get())
	assert.Equal(t, CertFileName, c.Config().IoTCertFile)

	assert.Equal(t, "ssl://localhost:8883", transport.opts.Servers[0].String())
	assert.Equal(t, testSN, transport.opts.ClientID)
	assert.Contains(t, transport.subscriptions, "$aws/things/"+testSN+"/shadow/name/+/get/accepted")
	assert.Contains(t, transport.subscriptions, "$aws/things/"+testSN+"/shadow/name/+/update/delta")

	// the broker confirms the connection a second time, nothing changes
	transport.opts.OnConnect(nil)
	assert.Equal(t, []string{"initialized", "start"}, rec.get())
}

func TestInitializeRetriesInBackground(t *testing.T) {
	transport := &fakeTransport{failures: 2}
	c, client, rec := newTestCloud(t, transport, 3)
	provision(t, client.basePath)

	err := c.Initialize(context.Background())
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)

	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Started())
	assert.Equal(t, 3, transport.connectCount())
	assert.Equal(t, []string{"initialized", "start"}, rec.get())
	require.NoError(t, c.IoT.Publish("topic", []byte("x"), 0, false))
}

func TestInitializeGivesUp(t *testing.T) {
	transport := &fakeTransport{failures: 100}
	c, client, rec := newTestCloud(t, transport, 2)
	provision(t, client.basePath)

	err := c.Initialize(context.Background())
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)

	require.Eventually(t, func() bool { return transport.disconnectCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, transport.connectCount())
	assert.False(t, c.Started())
	assert.Equal(t, []string{"initialized"}, rec.get())
	assert.ErrorIs(t, c.IoT.Publish("topic", []byte("x"), 0, false), ErrNotConnected)

	// the transport is gone, stopping does not disconnect again
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, 1, transport.disconnectCount())
}

func TestInitializeDoesNotWaitForRetries(t *testing.T) {
	transport := &fakeTransport{failures: 1000}
	client := newTestClient(t)
	provision(t, client.basePath)
	c := New(&Builder{Client: client, Transport: transport.factory})

	begin := time.Now()
	err := c.Initialize(context.Background())
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Less(t, time.Since(begin), 250*time.Millisecond)
	assert.False(t, c.Started())

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, 1, transport.connectCount())
	assert.Equal(t, 1, transport.disconnectCount())
}

func TestInitializeCancelled(t *testing.T) {
	transport := &fakeTransport{block: true}
	c, client, rec := newTestCloud(t, transport, 3)
	provision(t, client.basePath)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Initialize(ctx)
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, transport.disconnectCount())

	// the broker accepts the connection after the caller stopped waiting
	transport.setConnected(true)
	transport.opts.OnConnect(nil)
	assert.False(t, c.Started())
	assert.False(t, transport.IsConnected())
	assert.Equal(t, 2, transport.disconnectCount())

	require.NoError(t, c.Stop(context.Background()))
	assert.False(t, transport.IsConnected())
	assert.Equal(t, 1, transport.connectCount())
	assert.Equal(t, []string{"initialized"}, rec.get())
}

func TestStopCancelsRetries(t *testing.T) {
	transport := &fakeTransport{failures: 100}
	client := newTestClient(t)
	provision(t, client.basePath)
	c := New(&Builder{
		Client:     client,
		Transport:  transport.factory,
		Backoff:    func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) },
		MaxRetries: 5,
	})

	require.Error(t, c.Initialize(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, 1, transport.disconnectCount())
	assert.Equal(t, 1, transport.connectCount())

	// a connection that completes after the stop is dropped
	transport.setConnected(true)
	transport.opts.OnConnect(nil)
	assert.False(t, c.Started())
	assert.False(t, transport.IsConnected())
}

func TestConnectionLossAndReconnect(t *testing.T) {
	transport := &fakeTransport{}
	c, client, rec := newTestCloud(t, transport, 1)
	provision(t, client.basePath)
	require.NoError(t, c.Initialize(context.Background()))

	transport.setConnected(false)
	transport.opts.OnConnectionLost(nil, errors.New("network down"))
	assert.False(t, c.Started())
	transport.opts.OnConnectionLost(nil, errors.New("network down"))

	transport.setConnected(true)
	transport.opts.OnConnect(nil)
	assert.True(t, c.Started())
	assert.Equal(t, []string{"initialized", "start", "stop", "start"}, rec.get())

	require.NoError(t, c.Stop(context.Background()))
	assert.False(t, c.Started())
	assert.Equal(t, 1, transport.disconnects)
	assert.Equal(t, []string{"initialized", "start", "stop", "start", "stop"}, rec.get())

	// stopping twice does not fire again
	require.NoError(t, c.Stop(context.Background()))
	assert.Len(t, rec.get(), 5)
}

func TestPublish(t *testing.T) {
	transport := &fakeTransport{}
	c, client, _ := newTestCloud(t, transport, 1)
	provision(t, client.basePath)
	require.NoError(t, c.Initialize(context.Background()))

	require.NoError(t, c.IoT.Publish(c.IoTMessage.StatusTopic(), []byte(`{"state": "PING"}`), 0, false))
	assert.ErrorIs(t, c.IoT.Publish("", []byte("x"), 0, false), ErrEmptyTopic)
	require.Len(t, transport.published, 1)
	assert.Equal(t, publishedMessage{topic: "clesyde/" + testSN + "/status", payload: `{"state": "PING"}`}, transport.published[0])
}

func TestShadowDocuments(t *testing.T) {
	transport := &fakeTransport{}
	c, client, _ := newTestCloud(t, transport, 1)
	provision(t, client.basePath)

	var names []string
	var docs []string
	c.RegisterOnShadow(func(name string, document []byte) {
		names = append(names, name)
		docs = append(docs, string(document))
	})
	require.NoError(t, c.Initialize(context.Background()))

	filter := c.IoTMessage.ShadowFilter(ShadowGetAccepted)
	transport.deliver(filter, c.IoTMessage.ShadowTopic("config", ShadowGetAccepted), `{"state":{}}`)
	transport.deliver(filter, "$aws/things/other/shadow/name/config/get/accepted", `{}`)

	assert.Equal(t, []string{"config"}, names)
	assert.Equal(t, []string{`{"state":{}}`}, docs)
}

func TestCallbackErrorsDoNotStopOthers(t *testing.T) {
	transport := &fakeTransport{}
	c, client, rec := newTestCloud(t, transport, 1)
	provision(t, client.basePath)
	c.RegisterOnStart(func(ctx context.Context) error { return errors.New("broken") })
	c.RegisterOnStart(rec.callback("start2"))

	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, []string{"initialized", "start", "start2"}, rec.get())
}

func TestTopics(t *testing.T) {
	m := NewIoTMessage("aabbccddeeff1245")
	assert.Equal(t, "clesyde/aabbccddeeff1245/status", m.StatusTopic())
	assert.Equal(t, "$aws/things/aabbccddeeff1245/shadow/name/config/get", m.ShadowTopic("config", ShadowGet))

	name, op, ok := m.ParseShadowTopic("$aws/things/aabbccddeeff1245/shadow/name/config/update/delta")
	assert.True(t, ok)
	assert.Equal(t, "config", name)
	assert.Equal(t, ShadowUpdateDelta, op)

	_, _, ok = m.ParseShadowTopic("$aws/things/aabbccddeeff1245/shadow/name/config")
	assert.False(t, ok)
	_, _, ok = m.ParseShadowTopic("clesyde/aabbccddeeff1245/status")
	assert.False(t, ok)
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "ssl://iot.example.com:8883", brokerURL("iot.example.com"))
	assert.Equal(t, "ssl://localhost:18883", brokerURL("localhost:18883"))
	assert.Equal(t, "tls://iot.example.com:443", brokerURL("tls://iot.example.com:443"))
}
