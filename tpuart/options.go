package tpuart

import (
	"time"

	"github.com/knxlib/go-knx/logger"
)

const (
	// DefaultBaudRate is the serial speed of the TP-UART host interface,
	// 19200 baud with 8 data bits, even parity and one stop bit.
	DefaultBaudRate = 19200

	// DefaultExchangeTimeout bounds the wait for the transceiver's answer to
	// a request: the reset indication, a state response or the transmission
	// confirmation.
	DefaultExchangeTimeout = 500 * time.Millisecond

	// DefaultProbeInterval is the period of the liveness state probes.
	DefaultProbeInterval = 10 * time.Second

	resetAttempts  = 3
	maxProbeMisses = 3
)

type config struct {
	logger          logger.Logger
	baudRate        int
	exchangeTimeout time.Duration
	probeInterval   time.Duration
}

// Option configures a TP-UART connection.
type Option func(*config)

func newConfig(opts []Option) *config {
	cfg := &config{
		logger:          logger.GetLogger(),
		baudRate:        DefaultBaudRate,
		exchangeTimeout: DefaultExchangeTimeout,
		probeInterval:   DefaultProbeInterval,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return cfg
}

// WithLogger sets the logger used by the connection.
func WithLogger(l logger.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithBaudRate overrides the serial speed. Values <= 0 are ignored.
func WithBaudRate(baud int) Option {
	return func(cfg *config) {
		if baud > 0 {
			cfg.baudRate = baud
		}
	}
}

// WithExchangeTimeout sets the wait for transceiver answers. Values <= 0
// are ignored.
func WithExchangeTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.exchangeTimeout = d
		}
	}
}

// WithProbeInterval sets the period of the liveness state probes. Values
// <= 0 are ignored.
func WithProbeInterval(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.probeInterval = d
		}
	}
}
