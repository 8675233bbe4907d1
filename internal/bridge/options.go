package bridge

import (
	"github.com/Iron-Ham/bridge/internal/event"
	"github.com/Iron-Ham/bridge/internal/ledger"
	"github.com/Iron-Ham/bridge/internal/logging"
	"github.com/Iron-Ham/bridge/internal/wire"
)

// defaultAcceptBacklog bounds the inbound links waiting in a port.
const defaultAcceptBacklog = 128

// Option configures a Context.
type Option func(*config)

type config struct {
	logger         *logging.Logger
	bus            *event.Bus
	ledger         *ledger.Ledger
	fragmentSize   int
	maxMessageSize int
	acceptBacklog  int
}

func defaultConfig() *config {
	return &config{
		logger:         logging.NopLogger(),
		fragmentSize:   wire.DefaultFragmentSize,
		maxMessageSize: wire.DefaultMaxMessageSize,
		acceptBacklog:  defaultAcceptBacklog,
	}
}

// WithLogger sets the logger for the context and its links.
func WithLogger(logger *logging.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBus publishes lifecycle events on bus.
func WithBus(bus *event.Bus) Option {
	return func(c *config) {
		c.bus = bus
	}
}

// WithLedger uses l instead of a fresh ledger.
func WithLedger(l *ledger.Ledger) Option {
	return func(c *config) {
		c.ledger = l
	}
}

// WithFragmentSize sets the largest payload sent in one global frame.
// Values below wire.MinFragmentSize are raised to it.
func WithFragmentSize(n int) Option {
	return func(c *config) {
		c.fragmentSize = max(n, wire.MinFragmentSize)
	}
}

// WithMaxMessageSize bounds messages received over the global transport.
// A zero or negative value keeps the default.
func WithMaxMessageSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxMessageSize = n
		}
	}
}

// WithAcceptBacklog bounds the links a port queues before refusing.
// A zero or negative value keeps the default.
func WithAcceptBacklog(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.acceptBacklog = n
		}
	}
}
