package bridge

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/knxlib/go-knx/logger"
)

const (
	mqttConnectTimeout    = 10 * time.Second
	mqttPublishTimeout    = 5 * time.Second
	mqttKeepAlive         = 60 * time.Second
	mqttDisconnectQuiesce = 1000 // milliseconds
)

// publisher is the part of the MQTT client the bridge uses.
type publisher interface {
	Publish(topic string, payload string)
	Subscribe(filter string, handler func(topic string, payload []byte)) error
	Close()
}

// pahoPublisher adapts a paho client. Publish outcomes are checked
// asynchronously so the bridge never blocks on the broker, and
// subscriptions are tracked for restoration after a reconnect.
type pahoPublisher struct {
	client mqtt.Client
	qos    byte
	retain bool
	logger logger.Logger

	subMu sync.Mutex
	subs  map[string]mqtt.MessageHandler
}

// connectMQTT connects to the broker and waits for the session. The client
// reconnects on its own afterwards.
func connectMQTT(cfg MQTTConfig, lg logger.Logger) (*pahoPublisher, error) {
	p := &pahoPublisher{
		qos:    byte(cfg.QoS),
		retain: cfg.Retain,
		logger: lg,
		subs:   make(map[string]mqtt.MessageHandler),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(mqttKeepAlive)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		lg.Info("mqtt connected", "broker", cfg.Broker)
		p.restoreSubs()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		lg.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("connect to broker %s: timeout after %s", cfg.Broker, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", cfg.Broker, err)
	}

	return p, nil
}

// brokerURL defaults a bare host:port to the tcp scheme.
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

func (p *pahoPublisher) Publish(topic string, payload string) {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	go func() {
		if token.WaitTimeout(mqttPublishTimeout) && token.Error() != nil {
			p.logger.Warn("mqtt publish failed", "topic", topic, "error", token.Error())
		}
	}()
}

func (p *pahoPublisher) Subscribe(filter string, handler func(topic string, payload []byte)) error {
	wrapped := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}

	p.subMu.Lock()
	p.subs[filter] = wrapped
	p.subMu.Unlock()

	token := p.client.Subscribe(filter, p.qos, wrapped)
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("subscribe %s: timeout after %s", filter, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// restoreSubs resubscribes after a reconnect; a clean session drops the
// subscriptions on the broker side.
func (p *pahoPublisher) restoreSubs() {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for filter, h := range p.subs {
		p.client.Subscribe(filter, p.qos, h)
	}
}

func (p *pahoPublisher) Close() {
	p.client.Disconnect(mqttDisconnectQuiesce)
}
