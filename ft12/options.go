package ft12

import (
	"time"

	"github.com/knxlib/go-knx/logger"
)

const (
	// DefaultBaudRate is the serial speed of FT1.2, 19200 baud with 8 data
	// bits, even parity and one stop bit.
	DefaultBaudRate = 19200

	// DefaultExchangeTimeout bounds the wait for the BCU's acknowledgement
	// of a transmitted frame.
	DefaultExchangeTimeout = 500 * time.Millisecond

	sendAttempts = 3
)

type config struct {
	logger          logger.Logger
	baudRate        int
	exchangeTimeout time.Duration
}

// Option configures an FT1.2 connection.
type Option func(*config)

func newConfig(opts []Option) *config {
	cfg := &config{
		logger:          logger.GetLogger(),
		baudRate:        DefaultBaudRate,
		exchangeTimeout: DefaultExchangeTimeout,
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

// WithBaudRate overrides the serial speed for couplers not running the
// standard 19200 baud. Values <= 0 are ignored.
func WithBaudRate(baud int) Option {
	return func(cfg *config) {
		if baud > 0 {
			cfg.baudRate = baud
		}
	}
}

// WithExchangeTimeout sets the wait for frame acknowledgements. Values <= 0
// are ignored.
func WithExchangeTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.exchangeTimeout = d
		}
	}
}
