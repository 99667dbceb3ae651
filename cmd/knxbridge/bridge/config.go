package bridge

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/knxlib/go-knx/cemi"
)

// Config is the bridge configuration loaded from YAML.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Influx  InfluxConfig  `yaml:"influx"`
}

// GatewayConfig selects the KNXnet/IP tunneling gateway.
type GatewayConfig struct {
	// Address is the gateway endpoint as host or host:port.
	Address string `yaml:"address"`
	// Device is the individual address used as the telegram source,
	// e.g. 1.1.250. Optional.
	Device string `yaml:"device"`
}

// MQTTConfig selects the MQTT broker and the topic layout.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883. A bare
	// host:port defaults to the tcp scheme.
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// QoS applies to state publishes and the set subscription.
	QoS int `yaml:"qos"`
	// Retain marks state publishes as retained.
	Retain bool `yaml:"retain"`
	// TopicPrefix is the first topic level, default knx.
	TopicPrefix string `yaml:"topic_prefix"`
}

// InfluxConfig enables the telegram recorder.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
	// Measurement is the point measurement name, default telegram.
	Measurement string `yaml:"measurement"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			ClientID:    "knxbridge",
			TopicPrefix: "knx",
		},
		Influx: InfluxConfig{
			Measurement: "telegram",
		},
	}
}

// Validate checks the configuration for missing and out of range values.
func (c *Config) Validate() error {
	var errs []string

	if c.Gateway.Address == "" {
		errs = append(errs, "gateway.address is required")
	}
	if c.Gateway.Device != "" {
		if _, err := cemi.ParseIndividualAddr(c.Gateway.Device); err != nil {
			errs = append(errs, fmt.Sprintf("gateway.device: %v", err))
		}
	}

	if c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1 or 2")
	}
	switch {
	case c.MQTT.TopicPrefix == "":
		errs = append(errs, "mqtt.topic_prefix is required")
	case strings.ContainsAny(c.MQTT.TopicPrefix, "+#"):
		errs = append(errs, "mqtt.topic_prefix must not contain wildcards")
	case strings.HasPrefix(c.MQTT.TopicPrefix, "/") || strings.HasSuffix(c.MQTT.TopicPrefix, "/"):
		errs = append(errs, "mqtt.topic_prefix must not start or end with /")
	}

	if c.Influx.Enabled {
		if c.Influx.URL == "" {
			errs = append(errs, "influx.url is required")
		}
		if c.Influx.Token == "" {
			errs = append(errs, "influx.token is required")
		}
		if c.Influx.Org == "" {
			errs = append(errs, "influx.org is required")
		}
		if c.Influx.Bucket == "" {
			errs = append(errs, "influx.bucket is required")
		}
		if c.Influx.Measurement == "" {
			errs = append(errs, "influx.measurement is required")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// device returns the parsed source device address, 0.0.0 when unset.
func (c *Config) device() cemi.IndividualAddr {
	if c.Gateway.Device == "" {
		return 0
	}
	addr, _ := cemi.ParseIndividualAddr(c.Gateway.Device)
	return addr
}
