// Package client is a deliberately thin NATS client built directly on
// /transport and /proto: Connect, Publish, Subscribe/Unsubscribe, and a
// channel of inbound proto.Event for MSG/HMSG delivery. It is NOT a full
// NATS client — no reconnection, no request/reply correlation, no
// reconnect buffering. spec.md §1 names those as external collaborators
// out of the parser's scope, and this package does not reintroduce them.
//
// Adapted from the teacher's top-level Client (client.go), cut down from
// SIP's transaction/dialog surface to connect/publish/subscribe.
package client

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corvidio/natswire/metrics"
	"github.com/corvidio/natswire/proto"
	"github.com/corvidio/natswire/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrInfoTimeout is returned by Connect if the server's INFO frame does
// not arrive within the configured deadline.
var ErrInfoTimeout = errors.New("client: timed out waiting for server INFO")

// subBacklog bounds how many undelivered messages a subscription channel
// holds before new deliveries are dropped with a logged warning; this
// package has no backpressure story (spec.md §5 leaves that to the
// caller), so a bounded channel with drop-on-full is the least surprising
// default.
const subBacklog = 64

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger overrides the client's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics records every decoded frame with r before the client's own
// dispatch runs.
func WithMetrics(r *metrics.Recorder) Option {
	return func(c *Client) { c.metrics = r }
}

// WithInfoTimeout overrides how long Connect waits for the server's INFO
// frame before failing. Default 5s.
func WithInfoTimeout(d time.Duration) Option {
	return func(c *Client) { c.infoTimeout = d }
}

// Client is a connected NATS session: one transport.Connection, decoded by
// the transport's embedded proto.Parser, dispatched here to INFO/PING
// bookkeeping and per-subscription channels.
type Client struct {
	id   string
	conn transport.Connection
	log  zerolog.Logger

	metrics     *metrics.Recorder
	infoTimeout time.Duration

	mu      sync.Mutex
	nextSid uint64
	subs    map[uint64]chan proto.Event
	closed  bool

	// Info is the first INFO the server sent, populated before Connect
	// returns; later INFO frames do not update it.
	Info *proto.Info

	infoReady chan struct{}
	infoOnce  sync.Once
}

// Connect dials addr on network (see transport.NetworkTCP/TLS/WS) via
// layer, and blocks until the server's INFO frame has been decoded or the
// info timeout elapses.
func Connect(layer *transport.Layer, network, addr string, opts ...Option) (*Client, error) {
	c := &Client{
		id:          uuid.NewString(),
		subs:        make(map[uint64]chan proto.Event),
		log:         log.Logger.With().Str("component", "client.Client").Logger(),
		infoTimeout: 5 * time.Second,
		infoReady:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	handler := transport.Handler(c.handle)
	if c.metrics != nil {
		handler = c.metrics.Wrap(handler)
	}

	conn, err := layer.Dial(network, addr, handler)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s/%s: %w", network, addr, err)
	}
	c.conn = conn

	select {
	case <-c.infoReady:
	case <-time.After(c.infoTimeout):
		conn.Close()
		return nil, ErrInfoTimeout
	}
	return c, nil
}

// ID returns the client's generated connection identifier. It is local to
// this process: the client neither logs it nor sends it to the server.
func (c *Client) ID() string { return c.id }

func (c *Client) handle(ev proto.Event, _ transport.Connection) {
	switch ev.Op {
	case proto.OpInfo:
		c.infoOnce.Do(func() {
			c.mu.Lock()
			c.Info = ev.Info
			c.mu.Unlock()
			close(c.infoReady)
		})
	case proto.OpPing:
		if err := c.conn.WriteFrame([]byte("PONG\r\n")); err != nil {
			c.log.Warn().Err(err).Msg("failed to answer PING")
		}
	case proto.OpMsg, proto.OpHMsg:
		c.mu.Lock()
		ch, ok := c.subs[ev.Sid]
		c.mu.Unlock()
		if !ok {
			return
		}
		select {
		case ch <- ev:
		default:
			c.log.Warn().Uint64("sid", ev.Sid).Str("subject", ev.Subject).
				Msg("subscriber channel full, dropping message")
		}
	case proto.OpErr:
		c.log.Warn().Str("message", ev.Message).Msg("server reported protocol error")
	}
}

// Publish sends subject with no reply-to.
func (c *Client) Publish(subject string, payload []byte) error {
	return c.PublishRequest(subject, "", payload)
}

// PublishRequest sends subject with replyTo set (may be empty).
func (c *Client) PublishRequest(subject, replyTo string, payload []byte) error {
	var b bytes.Buffer
	if replyTo == "" {
		fmt.Fprintf(&b, "PUB %s %d\r\n", subject, len(payload))
	} else {
		fmt.Fprintf(&b, "PUB %s %s %d\r\n", subject, replyTo, len(payload))
	}
	b.Write(payload)
	b.WriteString("\r\n")
	return c.conn.WriteFrame(b.Bytes())
}

// Subscribe registers interest in subject and returns the assigned sid and
// a channel of matching MSG/HMSG events. The channel is closed by
// Unsubscribe or Close.
func (c *Client) Subscribe(subject string) (uint64, <-chan proto.Event, error) {
	c.mu.Lock()
	c.nextSid++
	sid := c.nextSid
	ch := make(chan proto.Event, subBacklog)
	c.subs[sid] = ch
	c.mu.Unlock()

	if err := c.conn.WriteFrame([]byte(fmt.Sprintf("SUB %s %d\r\n", subject, sid))); err != nil {
		c.mu.Lock()
		delete(c.subs, sid)
		c.mu.Unlock()
		return 0, nil, err
	}
	return sid, ch, nil
}

// Unsubscribe cancels sid, closing its delivery channel.
func (c *Client) Unsubscribe(sid uint64) error {
	c.mu.Lock()
	ch, ok := c.subs[sid]
	delete(c.subs, sid)
	c.mu.Unlock()
	if ok {
		close(ch)
	}
	return c.conn.WriteFrame([]byte(fmt.Sprintf("UNSUB %d\r\n", sid)))
}

// Close releases the underlying connection and closes all subscription
// channels. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for sid, ch := range c.subs {
		delete(c.subs, sid)
		close(ch)
	}
	c.mu.Unlock()
	return c.conn.Close()
}
