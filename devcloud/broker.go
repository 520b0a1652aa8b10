package devcloud

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/clesyde/lyvo/cloud"
	"github.com/clesyde/lyvo/core/logger"
)

// Broker is a MQTT broker for LYVO devices
type Broker struct {
	p      *plugin
	server gmqttServer
}

// gmqttServer is the server returned by gmqtt.NewServer
type gmqttServer interface {
	gmqtt.Server
	Run()
	Stop(ctx context.Context) error
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Listener is a TLS listener requiring client certificates. This is mandatory.
	Listener net.Listener
	// Shadows is the shadow store. This is mandatory.
	Shadows *Shadows
	// Credentials restricts connections to provisioned devices. Optional.
	Credentials *CredentialsAPI
}

// plugin is the plugin for GMQTT
type plugin struct {
	deviceIDsRwmux sync.RWMutex
	deviceIDs      map[net.Conn]string

	shadows     *Shadows
	credentials *CredentialsAPI
	log         *logrus.Entry

	publishMux sync.RWMutex
	publish    func(topic string, payload []byte)
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) *Broker {
	if bb.Listener == nil {
		panic("Listener is missing")
	}
	if bb.Shadows == nil {
		panic("Shadows is missing")
	}
	p := &plugin{
		deviceIDs:   make(map[net.Conn]string),
		shadows:     bb.Shadows,
		credentials: bb.Credentials,
		log:         logger.Component("broker"),
	}
	b := &Broker{p: p}
	b.server = gmqtt.NewServer(
		gmqtt.WithTCPListener(bb.Listener),
		gmqtt.WithPlugin(p),
	)
	return b
}

// Run starts the server in the background
func (b *Broker) Run() {
	b.server.Run()
	b.p.log.Infoln("started")
}

// Stop stops the server
func (b *Broker) Stop(ctx context.Context) {
	b.server.Stop(ctx)
	b.p.log.Infoln("stopped")
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	b.p.log.Debugf("PublishMessageQ1 on %s (%d bytes)", topic, len(payload))
	if !b.p.send(topic, payload) {
		b.p.log.Warnf("broker not running, message on %s dropped", topic)
	}
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.setPublisher(func(topic string, payload []byte) {
		service.PublishService().Publish(gmqtt.NewMessage(topic, payload, packets.QOS_1))
	})
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "lyvo devcloud" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// takeDeviceID returns the certificate common name of conn and forgets it
func (p *plugin) takeDeviceID(conn net.Conn) string {
	p.deviceIDsRwmux.Lock()
	defer p.deviceIDsRwmux.Unlock()
	deviceID := p.deviceIDs[conn]
	delete(p.deviceIDs, conn)
	return deviceID
}

// accept checks the certificate common name of a new connection
func (p *plugin) accept(commonName string) bool {
	if !validSerial(commonName) {
		p.log.Warnln("invalid device serial in certificate:", commonName)
		return false
	}
	if p.credentials != nil {
		device, found, err := p.credentials.Device(commonName)
		if err != nil || !found || device.Status != StatusProvisioned {
			p.log.Warnln("device not provisioned:", commonName)
			return false
		}
	}
	return true
}

// OnAcceptWrapper authorizes clients via TLS certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			return false
		}
		if err := tlsConn.Handshake(); err != nil {
			return false
		}
		state := tlsConn.ConnectionState()
		if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
			return false
		}
		commonName := state.VerifiedChains[0][0].Subject.CommonName
		if !p.accept(commonName) {
			return false
		}

		p.deviceIDsRwmux.Lock()
		p.deviceIDs[conn] = commonName
		p.deviceIDsRwmux.Unlock()
		p.log.Debugln("accept", commonName)
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		deviceID := p.takeDeviceID(client.Connection())
		if deviceID == "" || client.OptionsReader().ClientID() != deviceID {
			p.log.Warnln("connect denied,", client.OptionsReader().ClientID(), "not authorized")
			return packets.CodeNotAuthorized
		}
		p.log.Infoln("connect", deviceID)
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		deviceID := client.OptionsReader().ClientID()
		if !SubscribeAllowed(deviceID, topic.Name) {
			p.log.Warnln("OnSubscribe", deviceID, topic.Name, "denied!")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper enforces topic policy and serves shadow requests
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		if !p.handleMessage(client.OptionsReader().ClientID(), msg.Topic(), msg.Payload()) {
			return false
		}
		return arrived(ctx, client, msg)
	}
}

type shadowError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleMessage applies the publish policy to a message of device sn and
// answers shadow get and update requests. It returns false for rejected messages.
func (p *plugin) handleMessage(sn, topic string, payload []byte) bool {
	if !PublishAllowed(sn, topic) {
		p.log.Warnln("publish of", sn, "on", topic, "denied!")
		return false
	}
	m := cloud.NewIoTMessage(sn)
	name, op, ok := m.ParseShadowTopic(topic)
	if !ok {
		return true
	}
	switch op {
	case cloud.ShadowGet:
		shadow, err := p.shadows.Get(sn, name)
		if err != nil {
			p.log.WithError(err).Errorf("cannot read shadow %s of %s", name, sn)
			p.reply(m.ShadowTopic(name, "get/rejected"), shadowError{Code: 500, Message: "internal error"})
			return true
		}
		if shadow.Version == 0 {
			p.reply(m.ShadowTopic(name, "get/rejected"), shadowError{Code: 404, Message: "No shadow exists with name: " + name})
			return true
		}
		p.reply(m.ShadowTopic(name, cloud.ShadowGetAccepted), shadow)
	case cloud.ShadowUpdate:
		var update updateMessage
		if err := json.Unmarshal(payload, &update); err != nil || len(update.State.Reported) == 0 {
			p.reply(m.ShadowTopic(name, "update/rejected"), shadowError{Code: 400, Message: "Missing required node: state.reported"})
			return true
		}
		shadow, err := p.shadows.Report(sn, name, update.State.Reported)
		if err != nil {
			p.reply(m.ShadowTopic(name, "update/rejected"), shadowError{Code: 400, Message: err.Error()})
			return true
		}
		p.log.Debugf("shadow %s of %s reported, version %d", name, sn, shadow.Version)
		p.reply(m.ShadowTopic(name, "update/accepted"), updateAccepted{
			State:     ShadowState{Reported: shadow.State.Reported},
			Version:   shadow.Version,
			Timestamp: shadow.Timestamp,
		})
	}
	return true
}

type updateAccepted struct {
	State     ShadowState `json:"state"`
	Version   int64       `json:"version"`
	Timestamp int64       `json:"timestamp"`
}

func (p *plugin) reply(topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.log.WithError(err).Errorln("cannot encode reply")
		return
	}
	p.send(topic, payload)
}

func (p *plugin) setPublisher(publish func(topic string, payload []byte)) {
	p.publishMux.Lock()
	defer p.publishMux.Unlock()
	p.publish = publish
}

// send publishes through the server. It returns false while the plugin is not loaded.
func (p *plugin) send(topic string, payload []byte) bool {
	p.publishMux.RLock()
	publish := p.publish
	p.publishMux.RUnlock()
	if publish == nil {
		return false
	}
	publish(topic, payload)
	return true
}
