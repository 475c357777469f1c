package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/corvidio/natswire/proto"
	"github.com/rs/zerolog"
)

// TCPTransport serves and dials plain TCP connections, the transport every
// NATS server and client supports. Grounded on the teacher's TCPTransport,
// generalized to drive a proto.Parser per connection instead of a SIP
// stream parser.
type TCPTransport struct {
	pool ConnectionPool
	log  zerolog.Logger

	newParser   func() *proto.Parser
	dialTimeout time.Duration
}

// NewTCPTransport builds a TCP transport. newParser is called once per
// accepted or dialed connection; callers typically pass
// func() *proto.Parser { return proto.NewParser() }, or a closure
// installing parser options such as WithHistory. opts configures the
// transport itself (logger, dial timeout) via TransportOption.
func NewTCPTransport(newParser func() *proto.Parser, opts ...TransportOption) *TCPTransport {
	cfg := newTransportConfig(NetworkTCP, opts...)
	return &TCPTransport{
		pool:        NewConnectionPool(),
		newParser:   newParser,
		log:         cfg.log,
		dialTimeout: cfg.dialTimeout,
	}
}

func (t *TCPTransport) String() string  { return "transport<TCP>" }
func (t *TCPTransport) Network() string { return NetworkTCP }

func (t *TCPTransport) Close() error {
	t.pool.Clear()
	return nil
}

// Serve accepts connections on addr until the listener errors or is
// closed.
func (t *TCPTransport) Serve(addr string, handler Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport<TCP> listen: %w", err)
	}
	t.log.Debug().Str("addr", l.Addr().String()).Msg("listening")
	for {
		c, err := l.Accept()
		if err != nil {
			t.log.Debug().Err(err).Msg("accept failed")
			return err
		}
		t.initConnection(c, handler)
	}
}

func (t *TCPTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	return t.pool.Get(raddr.String()), nil
}

func (t *TCPTransport) CreateConnection(addr string, handler Handler) (Connection, error) {
	dialer := net.Dialer{Timeout: t.dialTimeout}
	netConn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", t, err)
	}
	return t.initConnection(netConn, handler), nil
}

func (t *TCPTransport) initConnection(netConn net.Conn, handler Handler) Connection {
	return t.initConnectionAs(netConn, t.Network(), handler)
}

// initConnectionAs lets TLSTransport/WSTransport reuse the accept/dial
// bookkeeping while tagging the connection with their own network name;
// Go's embedding has no virtual dispatch, so t.Network() inside a promoted
// method always resolves to TCPTransport's, not the embedder's.
func (t *TCPTransport) initConnectionAs(netConn net.Conn, network string, handler Handler) Connection {
	c := newConn(netConn, network)
	c.Ref(1)
	t.pool.Add(netConn.RemoteAddr().String(), c)
	go t.readLoop(c, handler)
	return c
}

func (t *TCPTransport) readLoop(c *conn, handler Handler) {
	addr := c.RemoteAddr().String()
	defer t.pool.CloseAndDelete(c, addr)

	par := t.newParser()
	defer par.Close()

	buf := make([]byte, transportBufferSize)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				t.log.Debug().Str("conn", c.ID()).Msg("connection closed")
				return
			}
			t.log.Error().Err(err).Str("conn", c.ID()).Msg("read error")
			return
		}
		data := buf[:n]

		if Debug {
			t.log.Debug().Str("conn", c.ID()).Str("data", string(data)).Msg("read")
		}

		if err := par.Parse(data); err != nil {
			t.log.Warn().Err(err).Str("conn", c.ID()).Msg("protocol error, closing connection")
			for _, ev := range par.DrainEvents() {
				handler(ev, c)
			}
			return
		}
		for _, ev := range par.DrainEvents() {
			handler(ev, c)
		}
	}
}
