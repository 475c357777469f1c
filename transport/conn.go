package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	uuid "github.com/satori/go.uuid"
)

// Connection is a refcounted, write-capable handle to one network peer.
// Client libraries and broker listeners share the same handle so that a
// connection used for both a subscription read loop and a publish write
// path is only closed once all holders have released it.
type Connection interface {
	// WriteFrame writes a single already-encoded protocol line (or
	// MSG/HMSG frame, header included) to the peer.
	WriteFrame(frame []byte) error
	// Ref adjusts the hold count. Positive increments, negative decrements.
	Ref(i int)
	// TryClose decrements the reference count and closes the underlying
	// socket once it reaches zero. Returns the reference count after the
	// decrement.
	TryClose() (int, error)

	Close() error

	ID() string
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

type conn struct {
	net.Conn

	transport string
	id        string

	mu       sync.RWMutex
	refcount int
}

func newConn(c net.Conn, transport string) *conn {
	return &conn{Conn: c, transport: transport, id: uuid.NewV4().String()}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Ref(i int) {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	log.Debug().
		Str("transport", c.transport).
		Str("conn", c.id).
		Int("ref", ref).
		Msg("reference adjusted")
}

func (c *conn) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	log.Debug().Str("transport", c.transport).Str("conn", c.id).Msg("closing connection")
	return c.Conn.Close()
}

func (c *conn) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()

	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		log.Warn().Str("transport", c.transport).Str("conn", c.id).Int("ref", ref).Msg("ref went negative")
		return 0, nil
	}
	log.Debug().Str("transport", c.transport).Str("conn", c.id).Msg("ref reached zero, closing")
	return ref, c.Conn.Close()
}

func (c *conn) String() string {
	return c.transport + ":" + c.RemoteAddr().String()
}

func (c *conn) WriteFrame(frame []byte) error {
	n, err := c.Write(frame)
	if err != nil {
		return fmt.Errorf("conn %s write: %w", c, err)
	}
	if n != len(frame) {
		return fmt.Errorf("conn %s: short write %d/%d bytes", c, n, len(frame))
	}
	return nil
}
