package sink

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Topics         Topics
}

// ClientFactory creates the paho client (can be overridden in tests)
var ClientFactory = mqtt.NewClient

// MQTTSink is a Sink backed by a paho client. The bridge availability topic is
// the client's last will; command subscriptions are replayed on reconnect.
type MQTTSink struct {
	client mqtt.Client
	opts   MQTTOptions
	logger *logrus.Logger

	subMu sync.Mutex
	subs  map[string]CommandHandler
}

// NewMQTTSink builds the client without connecting.
func NewMQTTSink(opts MQTTOptions, logger *logrus.Logger) *MQTTSink {
	if opts.ClientID == "" {
		opts.ClientID = "rvlink-" + uuid.NewString()[:8]
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}

	s := &MQTTSink{
		opts:   opts,
		logger: logger,
		subs:   make(map[string]CommandHandler),
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	co.SetUsername(opts.Username)
	co.SetPassword(opts.Password)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetOrderMatters(false)
	if opts.ConnectTimeout > 0 {
		co.SetConnectTimeout(opts.ConnectTimeout)
	}
	co.SetWill(opts.Topics.BridgeAvailability(), PayloadOffline, opts.QoS, true)
	co.SetOnConnectHandler(s.onConnect)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.WithField("error", err).Warn("MQTT connection lost")
	})

	s.client = ClientFactory(co)
	return s
}

// Connect starts the broker session. With connect-retry enabled paho keeps
// trying in the background; Connect returns once the first attempt resolves or
// the timeout passes.
func (s *MQTTSink) Connect(timeout time.Duration) error {
	s.logger.WithFields(logrus.Fields{
		"broker":    s.opts.Broker,
		"client_id": s.opts.ClientID,
	}).Info("Connecting to MQTT broker...")

	token := s.client.Connect()
	if !token.WaitTimeout(timeout) {
		s.logger.WithField("timeout", timeout).Warn("MQTT connect still pending, continuing in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connection failed: %w", err)
	}
	return nil
}

// Close publishes the bridge offline marker and disconnects.
func (s *MQTTSink) Close() {
	if s.client.IsConnectionOpen() {
		t := s.client.Publish(s.opts.Topics.BridgeAvailability(), s.opts.QoS, true, PayloadOffline)
		t.WaitTimeout(s.opts.PublishTimeout)
	}
	s.client.Disconnect(250)
	s.logger.Info("MQTT sink closed")
}

func (s *MQTTSink) onConnect(c mqtt.Client) {
	s.logger.WithField("broker", s.opts.Broker).Info("Connected to MQTT broker")
	c.Publish(s.opts.Topics.BridgeAvailability(), s.opts.QoS, true, PayloadOnline)

	s.subMu.Lock()
	subs := make(map[string]CommandHandler, len(s.subs))
	for k, v := range s.subs {
		subs[k] = v
	}
	s.subMu.Unlock()

	for pattern, handler := range subs {
		s.subscribe(pattern, handler)
	}
}

func (s *MQTTSink) PublishState(topic, payload string, retained bool) {
	s.publish(topic, retained, payload)
}

func (s *MQTTSink) PublishDiscovery(topic string, payload []byte) {
	s.publish(topic, true, payload)
}

func (s *MQTTSink) RemoveDiscovery(topic string) {
	s.publish(topic, true, []byte{})
}

func (s *MQTTSink) PublishAvailability(topic string, online bool) {
	s.publish(topic, true, AvailabilityPayload(online))
}

// SubscribeCommands registers handler for pattern. The registration survives
// broker reconnects.
func (s *MQTTSink) SubscribeCommands(pattern string, handler CommandHandler) {
	s.subMu.Lock()
	s.subs[pattern] = handler
	s.subMu.Unlock()

	if s.client.IsConnectionOpen() {
		s.subscribe(pattern, handler)
	}
}

func (s *MQTTSink) Unsubscribe(pattern string) {
	s.subMu.Lock()
	delete(s.subs, pattern)
	s.subMu.Unlock()

	if !s.client.IsConnectionOpen() {
		return
	}
	token := s.client.Unsubscribe(pattern)
	if token.WaitTimeout(s.opts.PublishTimeout) && token.Error() != nil {
		s.logger.WithFields(logrus.Fields{
			"pattern": pattern,
			"error":   token.Error(),
		}).Warn("MQTT unsubscribe failed")
	}
}

func (s *MQTTSink) subscribe(pattern string, handler CommandHandler) {
	token := s.client.Subscribe(pattern, s.opts.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(s.opts.PublishTimeout) {
		s.logger.WithField("pattern", pattern).Warn("MQTT subscribe timed out")
		return
	}
	if err := token.Error(); err != nil {
		s.logger.WithFields(logrus.Fields{
			"pattern": pattern,
			"error":   err,
		}).Warn("MQTT subscribe failed")
		return
	}
	s.logger.WithField("pattern", pattern).Debug("Subscribed to command topics")
}

func (s *MQTTSink) publish(topic string, retained bool, payload any) {
	if !s.client.IsConnectionOpen() {
		s.logger.WithField("topic", topic).Debug("MQTT not connected, state not delivered")
		return
	}

	token := s.client.Publish(topic, s.opts.QoS, retained, payload)
	if !token.WaitTimeout(s.opts.PublishTimeout) {
		s.logger.WithField("topic", topic).Warn("MQTT publish timed out, state not delivered")
		return
	}
	if err := token.Error(); err != nil {
		s.logger.WithFields(logrus.Fields{
			"topic": topic,
			"error": err,
		}).Warn("MQTT publish failed, state not delivered")
	}
}
