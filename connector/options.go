package connector

import (
	"time"

	"github.com/knxlib/go-knx/logger"
)

const (
	// DefaultReconnectDelay is the pause before a scheduled reconnect attempt.
	DefaultReconnectDelay = 2 * time.Second
	// DefaultMaxAttempts bounds the connect attempts per reconnect cycle.
	DefaultMaxAttempts uint = 3
	// UnboundedAttempts disables the attempt budget, the connector retries
	// until it succeeds or is closed.
	UnboundedAttempts uint = 0
)

// policy is the reconnect behavior of one connector. It is copied by value
// at construction time, later option reuse does not affect existing
// connectors.
type policy struct {
	reconnectOnCreation bool
	reconnectOnServer   bool
	reconnectOnInternal bool
	delay               time.Duration
	attempts            uint
	connectOnSend       bool
}

type config struct {
	policy policy
	sched  *Scheduler
	logger logger.Logger
}

// Option adjusts the reconnect policy of a connector.
type Option func(*config)

func newConfig(opts []Option) *config {
	cfg := &config{
		policy: policy{
			reconnectOnServer:   true,
			reconnectOnInternal: true,
			delay:               DefaultReconnectDelay,
			attempts:            DefaultMaxAttempts,
			connectOnSend:       true,
		},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.sched == nil {
		cfg.sched = DefaultScheduler()
	}
	if cfg.logger == nil {
		cfg.logger = logger.GetLogger()
	}

	return cfg
}

// WithReconnectOnCreationError controls whether a failed initial connect is
// swallowed and retried in the background instead of failing the
// constructor. Defaults to false.
func WithReconnectOnCreationError(on bool) Option {
	return func(cfg *config) {
		cfg.policy.reconnectOnCreation = on
	}
}

// WithReconnectOnServerDisconnect controls reconnecting after the remote bus
// access server closed the connection. Defaults to true.
func WithReconnectOnServerDisconnect(on bool) Option {
	return func(cfg *config) {
		cfg.policy.reconnectOnServer = on
	}
}

// WithReconnectOnInternalDisconnect controls reconnecting after the link
// closed itself on an unrecoverable error, e.g. a failed transport send.
// Defaults to true.
func WithReconnectOnInternalDisconnect(on bool) Option {
	return func(cfg *config) {
		cfg.policy.reconnectOnInternal = on
	}
}

// WithReconnectDelay sets the pause before each scheduled reconnect attempt.
// Values <= 0 are ignored. Defaults to DefaultReconnectDelay.
func WithReconnectDelay(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.policy.delay = d
		}
	}
}

// WithMaxAttempts bounds the connect attempts per reconnect cycle, counting
// the triggering attempt plus the scheduled retries. UnboundedAttempts
// removes the bound. Defaults to DefaultMaxAttempts.
func WithMaxAttempts(n uint) Option {
	return func(cfg *config) {
		cfg.policy.attempts = n
	}
}

// WithConnectOnSend controls whether a send on a closed underlying link
// triggers an immediate foreground connect. Such connects do not consume the
// scheduled retry budget. Defaults to true.
func WithConnectOnSend(on bool) Option {
	return func(cfg *config) {
		cfg.policy.connectOnSend = on
	}
}

// WithScheduler injects the scheduler used for delayed reconnect attempts.
// Defaults to DefaultScheduler.
func WithScheduler(s *Scheduler) Option {
	return func(cfg *config) {
		if s != nil {
			cfg.sched = s
		}
	}
}

// WithLogger sets the logger of the connector. Defaults to the package level
// default logger.
func WithLogger(l logger.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}
