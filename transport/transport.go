// Package transport adapts the streaming proto parser to real sockets:
// TCP, TLS, and the NATS websocket gateway. Each transport reads bytes off
// its connections and feeds them straight into a proto.Parser, dispatching
// decoded Events to a Handler. None of it understands subjects or
// subscriptions — that is broker and client territory.
package transport

import (
	"github.com/corvidio/natswire/proto"
)

// Debug turns on a verbose log of every chunk read by TCP and TLS
// connections; writes and WS reads are not logged. Expensive; meant for
// interactive troubleshooting, not production.
var Debug bool

const (
	NetworkTCP = "tcp"
	NetworkTLS = "tls"
	NetworkWS  = "ws"
)

// transportBufferSize is the read buffer size for each Read syscall; it
// bounds neither the message size nor the parser buffer, only how many
// bytes are copied out of the kernel per call.
const transportBufferSize = 65536

// Handler receives every Event decoded from a connection, along with the
// connection it arrived on so replies (PONG, -ERR, etc.) can be written
// back without a second lookup.
type Handler func(ev proto.Event, c Connection)

// Transport is a listener plus an outbound dialer for one network kind.
type Transport interface {
	Network() string
	Serve(addr string, handler Handler) error
	GetConnection(addr string) (Connection, error)
	CreateConnection(addr string, handler Handler) (Connection, error)
	String() string
	Close() error
}
