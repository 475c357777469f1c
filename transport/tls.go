package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/corvidio/natswire/proto"
)

// TLSTransport wraps TCPTransport with a tls.Config. CreateConnection dials
// with it, and Serve listens with the same config through tls.Listen.
type TLSTransport struct {
	*TCPTransport

	tlsConf *tls.Config
}

// NewTLSTransport builds a TLS transport. dialTLSConf configures outbound
// connections made via CreateConnection. opts configures the transport
// itself (logger, dial timeout) via TransportOption.
func NewTLSTransport(newParser func() *proto.Parser, dialTLSConf *tls.Config, opts ...TransportOption) *TLSTransport {
	cfg := newTransportConfig(NetworkTLS, opts...)
	tcp := NewTCPTransport(newParser)
	tcp.log = cfg.log
	tcp.dialTimeout = cfg.dialTimeout
	return &TLSTransport{TCPTransport: tcp, tlsConf: dialTLSConf}
}

func (t *TLSTransport) String() string  { return "transport<TLS>" }
func (t *TLSTransport) Network() string { return NetworkTLS }

func (t *TLSTransport) Serve(addr string, handler Handler) error {
	l, err := tls.Listen("tcp", addr, t.tlsConf)
	if err != nil {
		return fmt.Errorf("transport<TLS> listen: %w", err)
	}
	t.log.Debug().Str("addr", l.Addr().String()).Msg("listening")
	for {
		c, err := l.Accept()
		if err != nil {
			t.log.Debug().Err(err).Msg("accept failed")
			return err
		}
		t.initConnectionAs(c, t.Network(), handler)
	}
}

func (t *TLSTransport) CreateConnection(addr string, handler Handler) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
	defer cancel()

	dialer := tls.Dialer{Config: t.tlsConf}
	netConn, err := dialer.DialContext(ctx, "tcp", raddr.String())
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", t, err)
	}
	return t.initConnectionAs(netConn, t.Network(), handler), nil
}
