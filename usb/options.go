package usb

import (
	"time"

	"github.com/knxlib/go-knx/logger"
)

const (
	// DefaultResponseTimeout bounds the wait for answers from the bus
	// access server: feature responses and device management confirmations.
	DefaultResponseTimeout = 1 * time.Second
)

type config struct {
	logger          logger.Logger
	responseTimeout time.Duration
}

// Option configures a KNX USB connection.
type Option func(*config)

func newConfig(opts []Option) *config {
	cfg := &config{
		logger:          logger.GetLogger(),
		responseTimeout: DefaultResponseTimeout,
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

// WithResponseTimeout sets the wait for bus access server answers. Values
// <= 0 are ignored.
func WithResponseTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.responseTimeout = d
		}
	}
}
