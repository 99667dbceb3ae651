package knxip

import (
	"time"

	"github.com/knxlib/go-knx/logger"
)

const (
	// DefaultConnectTimeout bounds the wait for connect and connection
	// state responses.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultAckTimeout bounds the wait for a tunneling acknowledgement.
	// An unacknowledged request is retransmitted once before the
	// connection is considered broken.
	DefaultAckTimeout = time.Second

	// DefaultHeartbeat is the interval between connection state requests
	// keeping a tunnel connection alive.
	DefaultHeartbeat = 60 * time.Second

	disconnectTimeout = 5 * time.Second
	maxStateAttempts  = 3
)

type config struct {
	logger         logger.Logger
	connectTimeout time.Duration
	ackTimeout     time.Duration
	heartbeat      time.Duration
	nat            bool
}

// Option configures a tunnel or routing connection.
type Option func(*config)

func newConfig(opts []Option) *config {
	cfg := &config{
		logger:         logger.GetLogger(),
		connectTimeout: DefaultConnectTimeout,
		ackTimeout:     DefaultAckTimeout,
		heartbeat:      DefaultHeartbeat,
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

// WithConnectTimeout sets the wait for connect and connection state
// responses. Values <= 0 are ignored.
func WithConnectTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.connectTimeout = d
		}
	}
}

// WithAckTimeout sets the wait for tunneling acknowledgements. Values <= 0
// are ignored.
func WithAckTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.ackTimeout = d
		}
	}
}

// WithHeartbeat sets the interval between connection state requests. Values
// <= 0 are ignored.
func WithHeartbeat(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.heartbeat = d
		}
	}
}

// WithNAT requests NAT traversal. The connect request then announces a
// wildcard endpoint and the gateway replies to the source address of the
// datagram instead of the announced one.
func WithNAT(on bool) Option {
	return func(cfg *config) {
		cfg.nat = on
	}
}
