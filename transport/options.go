package transport

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func defaultTransportLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("transport", component).Logger()
}

// transportConfig collects the fields every per-network transport accepts
// through TransportOption; each transport constructor seeds its own
// defaults (component-tagged logger, network-appropriate dial timeout)
// before applying the caller's options.
type transportConfig struct {
	log         zerolog.Logger
	dialTimeout time.Duration
}

// TransportOption configures a Transport at construction time, the same
// functional-options shape proto.ParserOption, client.Option, and
// broker.Option use.
type TransportOption func(*transportConfig)

// WithTransportLogger overrides a transport's logger.
func WithTransportLogger(l zerolog.Logger) TransportOption {
	return func(c *transportConfig) { c.log = l }
}

// WithDialTimeout bounds how long CreateConnection waits to establish an
// outbound connection, for all three transports. Defaults to 10s.
func WithDialTimeout(d time.Duration) TransportOption {
	return func(c *transportConfig) { c.dialTimeout = d }
}

func newTransportConfig(component string, opts ...TransportOption) transportConfig {
	c := transportConfig{
		log:         defaultTransportLogger(component),
		dialTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}
