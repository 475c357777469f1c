package transport

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/corvidio/natswire/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNetworkNotSupported is returned when a caller names a network Layer
// has no transport registered for.
var ErrNetworkNotSupported = errors.New("transport: network not supported")

// Layer is the entry point client code uses instead of reaching
// into individual transports: it picks the right one by network name and
// keeps a single newParser factory consistent across all of them.
//
// Grounded on the teacher's Layer, stripped of SIP's Via-header/DNS-SRV
// request routing — NATS connections are not request/response addressed,
// so there is nothing here to route by; a caller always names network and
// addr directly.
type Layer struct {
	transports map[string]Transport
	log        zerolog.Logger
}

// NewLayer registers TCP, TLS, and WS transports. tlsConfig is handed to
// the TLS transport only (the WS transport dials plain ws://) and may be
// nil to accept the runtime defaults. newParser is shared by every transport so every connection
// gets a freshly constructed proto.Parser. opts is applied identically to
// all three transports via TransportOption; pass per-network options
// directly to NewTCPTransport/NewTLSTransport/NewWSTransport instead if
// they need to diverge.
func NewLayer(tlsConfig *tls.Config, newParser func() *proto.Parser, opts ...TransportOption) *Layer {
	l := &Layer{
		transports: make(map[string]Transport),
		log:        log.Logger.With().Str("component", "transport.Layer").Logger(),
	}
	l.transports[NetworkTCP] = NewTCPTransport(newParser, opts...)
	l.transports[NetworkTLS] = NewTLSTransport(newParser, tlsConfig, opts...)
	l.transports[NetworkWS] = NewWSTransport(newParser, opts...)
	return l
}

func (l *Layer) transport(network string) (Transport, error) {
	t, ok := l.transports[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotSupported, network)
	}
	return t, nil
}

// ListenAndServe blocks serving addr on network until the listener errors.
func (l *Layer) ListenAndServe(network, addr string, handler Handler) error {
	t, err := l.transport(network)
	if err != nil {
		return err
	}
	return t.Serve(addr, handler)
}

// Dial opens an outbound connection on network to addr.
func (l *Layer) Dial(network, addr string, handler Handler) (Connection, error) {
	t, err := l.transport(network)
	if err != nil {
		return nil, err
	}
	if c, err := t.GetConnection(addr); err == nil && c != nil {
		c.Ref(1)
		return c, nil
	}
	return t.CreateConnection(addr, handler)
}

// Close shuts down every registered transport.
func (l *Layer) Close() error {
	var firstErr error
	for _, t := range l.transports {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
