package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/corvidio/natswire/proto"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	uuid "github.com/satori/go.uuid"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WebSocketProtocols is offered during the handshake; NATS's websocket
// gateway (server config "websocket {}") does not require a specific
// subprotocol, but advertising one lets a reverse proxy route on it.
var WebSocketProtocols = []string{"nats"}

// WSTransport tunnels the same byte-stream grammar proto.Parser consumes
// over websocket frames, mirroring how the NATS server's websocket
// listener is just another source of bytes for its core parser.
type WSTransport struct {
	log zerolog.Logger

	pool        ConnectionPool
	dialer      ws.Dialer
	newParser   func() *proto.Parser
	dialTimeout time.Duration
}

// NewWSTransport builds a WebSocket transport. opts configures the
// transport itself (logger, dial timeout) via TransportOption.
func NewWSTransport(newParser func() *proto.Parser, opts ...TransportOption) *WSTransport {
	cfg := newTransportConfig(NetworkWS, opts...)
	t := &WSTransport{
		pool:        NewConnectionPool(),
		newParser:   newParser,
		dialer:      ws.DefaultDialer,
		log:         cfg.log,
		dialTimeout: cfg.dialTimeout,
	}
	t.dialer.Protocols = WebSocketProtocols
	return t
}

func (t *WSTransport) String() string  { return "transport<WS>" }
func (t *WSTransport) Network() string { return NetworkWS }
func (t *WSTransport) Close() error    { t.pool.Clear(); return nil }

func (t *WSTransport) Serve(addr string, handler Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport<WS> listen: %w", err)
	}
	t.log.Debug().Str("addr", l.Addr().String()).Msg("listening")

	header := ws.HandshakeHeaderHTTP(http.Header{"Sec-WebSocket-Protocol": WebSocketProtocols})
	u := ws.Upgrader{
		OnBeforeUpgrade: func() (ws.HandshakeHeader, error) { return header, nil },
	}

	for {
		netConn, err := l.Accept()
		if err != nil {
			t.log.Error().Err(err).Msg("accept failed")
			return err
		}
		if _, err := u.Upgrade(netConn); err != nil {
			t.log.Error().Err(err).Msg("websocket upgrade failed")
			netConn.Close()
			continue
		}
		t.initConnection(netConn, false, handler)
	}
}

func (t *WSTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	return t.pool.Get(raddr.String()), nil
}

func (t *WSTransport) CreateConnection(addr string, handler Handler) (Connection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
	defer cancel()

	netConn, _, _, err := t.dialer.Dial(ctx, "ws://"+addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", t, err)
	}
	return t.initConnection(netConn, true, handler), nil
}

func (t *WSTransport) initConnection(netConn net.Conn, clientSide bool, handler Handler) Connection {
	c := &wsConnection{Conn: netConn, clientSide: clientSide, id: uuid.NewV4().String(), refcount: 1}
	addr := netConn.RemoteAddr().String()
	t.pool.Add(addr, c)
	go t.readLoop(c, addr, handler)
	return c
}

func (t *WSTransport) readLoop(c *wsConnection, addr string, handler Handler) {
	defer func() {
		if ref, _ := c.TryClose(); ref > 0 {
			return
		}
		t.pool.Del(addr)
	}()

	par := t.newParser()
	defer par.Close()

	buf := make([]byte, transportBufferSize)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Str("conn", c.id).Msg("connection closed")
				return
			}
			t.log.Error().Err(err).Str("conn", c.id).Msg("read error")
			return
		}
		if n == 0 {
			continue
		}
		data := buf[:n]

		if err := par.Parse(data); err != nil {
			t.log.Warn().Err(err).Str("conn", c.id).Msg("protocol error, closing connection")
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

// wsConnection adapts a websocket-framed net.Conn to the Connection
// interface: Read unwraps frame headers/masking into a flat byte stream
// for the parser, Write wraps outbound bytes into a single frame.
type wsConnection struct {
	net.Conn

	id         string
	clientSide bool

	mu       sync.RWMutex
	refcount int
}

func (c *wsConnection) ID() string { return c.id }

func (c *wsConnection) Ref(i int) {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	log.Debug().Str("conn", c.id).Int("ref", ref).Msg("WS reference adjusted")
}

func (c *wsConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *wsConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		log.Warn().Str("conn", c.id).Int("ref", ref).Msg("WS ref went negative")
		return 0, nil
	}
	return ref, c.Conn.Close()
}

func (c *wsConnection) Read(b []byte) (n int, err error) {
	state := ws.StateServerSide
	if c.clientSide {
		state = ws.StateClientSide
	}
	reader := wsutil.NewReader(c.Conn, state)
	for {
		header, err := reader.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return n, nil
			}
			return n, err
		}
		if header.OpCode == ws.OpClose {
			return n, net.ErrClosed
		}

		data := make([]byte, header.Length)
		if _, err := io.ReadFull(c.Conn, data); err != nil {
			return n, err
		}
		if header.Masked {
			ws.Cipher(data, header.Mask, 0)
		}
		n += copy(b[n:], data)
		if header.Fin {
			break
		}
	}
	return n, nil
}

func (c *wsConnection) Write(b []byte) (int, error) {
	frame := ws.NewFrame(ws.OpBinary, true, b)
	if c.clientSide {
		frame = ws.MaskFrameInPlace(frame)
	}
	if err := ws.WriteFrame(c.Conn, frame); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConnection) WriteFrame(frame []byte) error {
	n, err := c.Write(frame)
	if err != nil {
		return fmt.Errorf("conn %s write: %w", c.id, err)
	}
	if n != len(frame) {
		return fmt.Errorf("conn %s: short write %d/%d bytes", c.id, n, len(frame))
	}
	return nil
}
