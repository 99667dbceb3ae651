// Package bridge mirrors KNX group telegrams onto MQTT topics.
//
// A write or response observed on the bus is published on
// <prefix>/<group address>/state as a hex payload, and a message arriving
// on <prefix>/<group address>/set is written to the bus. The optional
// recorder additionally persists one InfluxDB point per group telegram,
// reads included.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/connector"
	"github.com/knxlib/go-knx/internal/apci"
	"github.com/knxlib/go-knx/knxip"
	"github.com/knxlib/go-knx/link"
	"github.com/knxlib/go-knx/logger"
)

// writeTimeout bounds one bus write triggered by a set message.
const writeTimeout = 5 * time.Second

// busLink is the part of the bus connection the bridge uses.
type busLink interface {
	Name() string
	AddListener(l link.LinkListener)
	RemoveListener(l link.LinkListener)
	SendRequestWait(ctx context.Context, dst cemi.Addr, prio cemi.Priority, tpdu []byte) error
	Close()
}

// Bridge owns the bus connection, the MQTT session and the optional
// recorder, and routes telegrams between them.
type Bridge struct {
	cfg    *Config
	logger logger.Logger
	topics topics

	conn busLink
	pub  publisher
	rec  recorder

	lis     *busListener
	stopped atomic.Bool
}

// Option adjusts the bridge.
type Option func(*options)

type options struct {
	logger logger.Logger
}

// WithLogger sets the logger of the bridge. Defaults to the package level
// default logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New validates cfg, connects the tunnel link, the MQTT broker and the
// optional recorder, and starts bridging.
func New(cfg *Config, opts ...Option) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{logger: logger.GetLogger()}
	for _, opt := range opts {
		opt(o)
	}
	lg := o.logger

	settings := &link.IPSettings{Device: cfg.device()}
	conn, err := connector.New(func() (link.NetworkLink, error) {
		return knxip.NewTunnel(cfg.Gateway.Address, settings)
	}, connector.WithMaxAttempts(connector.UnboundedAttempts), connector.WithLogger(lg))
	if err != nil {
		return nil, fmt.Errorf("connect to gateway %s: %w", cfg.Gateway.Address, err)
	}

	pub, err := connectMQTT(cfg.MQTT, lg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	var rec recorder
	if cfg.Influx.Enabled {
		r, err := newInfluxRecorder(cfg.Influx, lg)
		if err != nil {
			pub.Close()
			conn.Close()
			return nil, err
		}
		rec = r
	}

	b, err := newBridge(cfg, conn, pub, rec, lg)
	if err != nil {
		if rec != nil {
			rec.Close()
		}
		pub.Close()
		conn.Close()
		return nil, err
	}

	lg.Info("bridge running", "gateway", conn.Name(), "broker", cfg.MQTT.Broker)
	return b, nil
}

// newBridge wires an already connected bus link, publisher and recorder.
func newBridge(cfg *Config, conn busLink, pub publisher, rec recorder, lg logger.Logger) (*Bridge, error) {
	b := &Bridge{
		cfg:    cfg,
		logger: lg,
		topics: topics{prefix: cfg.MQTT.TopicPrefix},
		conn:   conn,
		pub:    pub,
		rec:    rec,
	}
	b.lis = &busListener{bridge: b}

	conn.AddListener(b.lis)
	if err := pub.Subscribe(b.topics.setFilter(), b.handleSet); err != nil {
		conn.RemoveListener(b.lis)
		return nil, err
	}

	return b, nil
}

// Close stops bridging and releases the connections. It is idempotent.
func (b *Bridge) Close() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}

	b.conn.RemoveListener(b.lis)
	b.conn.Close()
	b.pub.Close()
	if b.rec != nil {
		b.rec.Close()
	}
}

// handleFrame processes one bus indication.
func (b *Bridge) handleFrame(f *cemi.LData) {
	ga, ok := f.Dst.(cemi.GroupAddr)
	if !ok {
		return
	}
	code, data, ok := apci.GroupService(f.TPDU)
	if !ok {
		return
	}

	if b.rec != nil {
		b.rec.Record(f.Src, ga, code, data)
	}
	if code == apci.GroupValueRead {
		return
	}

	b.pub.Publish(b.topics.state(ga), encodePayload(data))
	b.logger.Debug("state published",
		"address", ga, "service", apci.ServiceName(code), "payload", encodePayload(data))
}

// handleSet processes one MQTT set message.
func (b *Bridge) handleSet(topic string, payload []byte) {
	ga, ok := b.topics.parseSet(topic)
	if !ok {
		b.logger.Warn("set message on unexpected topic", "topic", topic)
		return
	}
	data, err := decodePayload(string(payload))
	if err != nil {
		b.logger.Warn("invalid set payload", "topic", topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := b.conn.SendRequestWait(ctx, ga, cemi.PriorityNormal, apci.GroupWrite(data)); err != nil {
		b.logger.Error("group write failed", "address", ga, "error", err)
		return
	}
	b.logger.Debug("group write", "address", ga, "payload", encodePayload(data))
}

// busListener feeds link events into the bridge.
type busListener struct {
	bridge *Bridge
}

func (l *busListener) Indication(ev link.FrameEvent) {
	if f, ok := ev.Frame.(*cemi.LData); ok {
		l.bridge.handleFrame(f)
	}
}

func (l *busListener) Confirmation(link.FrameEvent) {}

func (l *busListener) LinkClosed(ev link.CloseEvent) {
	if ev.Initiator != link.InitiatorUser {
		l.bridge.logger.Warn("gateway connection lost, reconnecting",
			"initiator", ev.Initiator, "reason", ev.Reason)
	}
}
