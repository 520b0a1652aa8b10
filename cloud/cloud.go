package cloud

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/clesyde/lyvo/core/logger"
)

// Callback is a lifecycle callback of the cloud
type Callback func(ctx context.Context) error

// ShadowHandler receives named shadow documents
type ShadowHandler func(name string, document []byte)

// DefaultMaxRetries bounds the connection attempts after the first one
const DefaultMaxRetries = 8

const connectTimeout = 10 * time.Second

// Builder is a builder helper for Cloud
type Builder struct {
	// Client is the application side. Mandatory.
	Client Client
	// Transport creates the MQTT session. Defaults to NewPahoTransport.
	Transport TransportFactory
	// Backoff returns the retry policy for connecting. Defaults to an
	// exponential backoff.
	Backoff func() backoff.BackOff
	// MaxRetries bounds the connection attempts. Defaults to DefaultMaxRetries.
	MaxRetries uint64
}

// Cloud is the connection of the device to the cloud
type Cloud struct {
	client       Client
	newTransport TransportFactory
	newBackoff   func() backoff.BackOff
	maxRetries   uint64
	log          *logrus.Entry

	Provisioning *Provisioning
	IoT          *IoT
	IoTMessage   IoTMessage

	mu            sync.Mutex
	config        Config
	started       bool
	transport     Transport
	retryCancel   context.CancelFunc
	onStart       []Callback
	onStop        []Callback
	onInitialized []Callback
	onShadow      []ShadowHandler
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 5 * time.Minute
	return b
}

// New creates a new cloud for the client
func New(bdb *Builder) *Cloud {
	if bdb.Client == nil {
		panic("Client missing")
	}
	c := &Cloud{
		client:       bdb.Client,
		newTransport: bdb.Transport,
		newBackoff:   bdb.Backoff,
		maxRetries:   bdb.MaxRetries,
		IoTMessage:   NewIoTMessage(bdb.Client.DeviceSN()),
		log:          logger.Component("cloud").WithField("sn", bdb.Client.DeviceSN()),
	}
	if c.newTransport == nil {
		c.newTransport = NewPahoTransport
	}
	if c.newBackoff == nil {
		c.newBackoff = defaultBackoff
	}
	if c.maxRetries == 0 {
		c.maxRetries = DefaultMaxRetries
	}
	c.Provisioning = &Provisioning{cloud: c}
	c.IoT = &IoT{cloud: c}
	return c
}

// Client returns the client of the cloud
func (c *Cloud) Client() Client {
	return c.client
}

// Config returns the loaded IoT configuration. It is empty before Initialize.
func (c *Cloud) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Started returns true while the IoT session is up
func (c *Cloud) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// RegisterOnStart registers a callback for when the IoT session comes up
func (c *Cloud) RegisterOnStart(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStart = append(c.onStart, cb)
}

// RegisterOnStop registers a callback for when the IoT session goes down
func (c *Cloud) RegisterOnStop(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStop = append(c.onStop, cb)
}

// RegisterOnInitialized registers a callback for when the credentials are loaded
func (c *Cloud) RegisterOnInitialized(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInitialized = append(c.onInitialized, cb)
}

// RegisterOnShadow registers a handler for named shadow documents
func (c *Cloud) RegisterOnShadow(handler ShadowHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onShadow = append(c.onShadow, handler)
}

func (c *Cloud) currentTransport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Initialize loads the credentials and makes a first connection attempt to
// the IoT endpoint. When that attempt fails, connecting goes on in the
// background with the retry policy until it succeeds, gives up or Stop is
// called. The returned error is always an *InitializationError.
func (c *Cloud) Initialize(ctx context.Context) error {
	basePath := c.client.BasePath()
	config, err := LoadConfig(basePath)
	if err != nil {
		return &InitializationError{Err: err}
	}
	c.mu.Lock()
	c.config = config
	callbacks := append([]Callback(nil), c.onInitialized...)
	c.mu.Unlock()
	c.fire("initialized", callbacks)

	tlsConfig, err := config.TLSConfig(basePath)
	if err != nil {
		return &InitializationError{Err: err}
	}

	var transport Transport
	opts := paho.NewClientOptions().
		AddBroker(brokerURL(config.Endpoint)).
		SetClientID(config.ThingName).
		SetTLSConfig(tlsConfig).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(30 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(func(paho.Client) { c.handleConnect(transport) }).
		SetConnectionLostHandler(func(_ paho.Client, err error) { c.handleConnectionLost(err) })

	transport = c.newTransport(opts)
	c.mu.Lock()
	c.transport = transport
	c.mu.Unlock()

	if err := transport.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			c.dropTransport(transport)
			return &InitializationError{Err: err}
		}
		c.log.WithError(err).Warnf("cannot connect to %s, retrying in the background", config.Endpoint)
		c.retry(transport, config.Endpoint, err)
		return &InitializationError{Err: err}
	}
	c.handleConnect(transport)
	return nil
}

// retry keeps connecting transport until it succeeds, the retry policy gives
// up or Stop cancels it. firstErr is the error of the attempt already made.
func (c *Cloud) retry(transport Transport, endpoint string, firstErr error) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.transport != transport {
		// stopped during the first attempt
		c.mu.Unlock()
		cancel()
		return
	}
	c.retryCancel = cancel
	c.mu.Unlock()

	attempt := 1
	pending := firstErr
	connect := func() error {
		if pending != nil {
			err := pending
			pending = nil
			return err
		}
		attempt++
		return transport.Connect(ctx)
	}
	notify := func(err error, next time.Duration) {
		c.log.WithError(err).Warnf("connection attempt %d to %s failed, retrying in %s", attempt, endpoint, next)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackoff(), c.maxRetries), ctx)

	go func() {
		defer cancel()
		if err := backoff.RetryNotify(connect, policy, notify); err != nil {
			if ctx.Err() == nil {
				c.log.WithError(err).Errorf("giving up connecting to %s after %d attempts", endpoint, attempt)
			}
			c.dropTransport(transport)
			return
		}
		c.handleConnect(transport)
	}()
}

// dropTransport disconnects transport if it is still the session of the cloud
func (c *Cloud) dropTransport(transport Transport) {
	c.mu.Lock()
	if c.transport != transport {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	wasStarted := c.started
	c.started = false
	callbacks := append([]Callback(nil), c.onStop...)
	c.mu.Unlock()

	transport.Disconnect()
	if wasStarted {
		c.fire("stop", callbacks)
	}
}

// Stop disconnects from the IoT endpoint and cancels pending connection attempts
func (c *Cloud) Stop(ctx context.Context) error {
	c.mu.Lock()
	transport := c.transport
	c.transport = nil
	cancel := c.retryCancel
	c.retryCancel = nil
	wasStarted := c.started
	c.started = false
	callbacks := append([]Callback(nil), c.onStop...)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		transport.Disconnect()
	}
	if wasStarted {
		logger.FromContext(ctx).Infoln("cloud stopped")
		c.fire("stop", callbacks)
	}
	return nil
}

// handleConnect is called whenever a connection attempt of transport
// succeeded. A transport that is no longer the session of the cloud is
// disconnected. Only the transition into started subscribes and fires the
// start callbacks.
func (c *Cloud) handleConnect(transport Transport) {
	c.mu.Lock()
	if transport == nil {
		c.mu.Unlock()
		return
	}
	if c.transport != transport {
		c.mu.Unlock()
		c.log.Warnln("late connection of a dropped session, disconnecting")
		transport.Disconnect()
		return
	}
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	callbacks := append([]Callback(nil), c.onStart...)
	c.mu.Unlock()

	c.log.Infoln("connected")
	for _, op := range []string{ShadowGetAccepted, ShadowUpdateDelta} {
		if err := transport.Subscribe(c.IoTMessage.ShadowFilter(op), 1, c.handleShadowMessage); err != nil {
			c.log.WithError(err).Errorf("cannot subscribe to shadow %s", op)
		}
	}
	c.fire("start", callbacks)
}

func (c *Cloud) handleConnectionLost(err error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	callbacks := append([]Callback(nil), c.onStop...)
	c.mu.Unlock()

	c.log.WithError(err).Warnln("connection lost")
	c.fire("stop", callbacks)
}

func (c *Cloud) handleShadowMessage(topic string, payload []byte) {
	name, op, ok := c.IoTMessage.ParseShadowTopic(topic)
	if !ok {
		c.log.Warnf("unexpected message on %s", topic)
		return
	}
	c.log.Debugf("shadow %s %s", name, op)
	c.mu.Lock()
	handlers := append([]ShadowHandler(nil), c.onShadow...)
	c.mu.Unlock()
	document := append([]byte(nil), payload...)
	for _, handler := range handlers {
		handler := handler
		c.client.Loop().Call(func() { handler(name, document) })
	}
}

// fire runs the callbacks on the loop of the client, in order
func (c *Cloud) fire(kind string, callbacks []Callback) {
	for _, cb := range callbacks {
		cb := cb
		scheduled := c.client.Loop().Call(func() {
			if err := cb(context.Background()); err != nil {
				c.log.WithError(err).Errorf("%s callback failed", kind)
			}
		})
		if !scheduled {
			c.log.Warnf("%s callback dropped, loop is closed", kind)
		}
	}
}
