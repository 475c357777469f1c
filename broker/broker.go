// Package broker is a minimal, single-node, in-process reference server:
// it accepts client connections, decodes the client->server control frames
// (CONNECT, PUB, HPUB, SUB, UNSUB, PING/PONG) with a small line-oriented
// reader, and republishes MSG/HMSG frames — encoded the way proto.Parser
// expects to decode them — to subject-matching subscribers.
//
// The client->server direction is explicitly out of proto.Parser's
// contract (spec.md §1: "message serialization in the opposite direction
// ... out of scope"), so this package owns its own tiny decoder for it
// instead of stretching the core parser to cover a grammar it was never
// specified against. The server->client direction this package emits
// (INFO, MSG, HMSG, +OK, -ERR, PING/PONG) is exactly what proto.Parser on
// the other end decodes, which is what lets /client round-trip through it.
//
// Grounded on the teacher's server.go (accept loop, per-method dispatch)
// and transport/layer.go's multi-network bookkeeping, generalized from SIP
// request routing to subject-based pub/sub fan-out. Subject matching is
// exact-match only; wildcard subjects (`*`, `>`) are a documented
// limitation, not implemented (see SPEC_FULL.md §6).
package broker

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/corvidio/natswire/proto"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Option configures a Broker at construction time.
type Option func(*Broker)

// WithLogger overrides the broker's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithVersion sets the proto.Version advertised in the broker's INFO line.
// Defaults to 2.10.16, a recent 2.10.x release.
func WithVersion(v proto.Version) Option {
	return func(b *Broker) { b.version = v }
}

// WithAcceptHook registers a callback invoked with each accepted
// connection before the broker begins reading from it. Used by
// cmd/natsprobe to drive a separate access-log sink.
func WithAcceptHook(fn func(net.Conn)) Option {
	return func(b *Broker) { b.onAccept = fn }
}

// Broker is a reference single-node server.
type Broker struct {
	log      zerolog.Logger
	version  proto.Version
	serverID string
	onAccept func(net.Conn)

	mu        sync.Mutex
	bySubject map[string]map[*subscriber]struct{}
}

type subscriber struct {
	sid     uint64
	subject string
	conn    net.Conn
	wmu     *sync.Mutex
}

// New builds a Broker. Call ListenAndServe to start accepting connections.
func New(opts ...Option) *Broker {
	b := &Broker{
		log:       log.Logger.With().Str("component", "broker.Broker").Logger(),
		version:   proto.Version{Major: 2, Minor: 10, Patch: 16},
		serverID:  uuid.NewString(),
		bySubject: make(map[string]map[*subscriber]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ListenAndServe accepts TCP connections on addr until the listener
// errors.
func (b *Broker) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen: %w", err)
	}
	return b.Serve(l)
}

// Serve accepts connections on an already-bound listener until it errors.
// Split out from ListenAndServe so callers that need the bound address
// (e.g. tests dialing an ephemeral port) can net.Listen themselves first.
func (b *Broker) Serve(l net.Listener) error {
	defer l.Close()
	b.log.Info().Str("addr", l.Addr().String()).Msg("broker listening")

	for {
		c, err := l.Accept()
		if err != nil {
			return err
		}
		if b.onAccept != nil {
			b.onAccept(c)
		}
		go b.serveConn(c)
	}
}

func (b *Broker) serveConn(nc net.Conn) {
	defer nc.Close()
	wmu := &sync.Mutex{}
	connID := uuid.NewString()
	clog := b.log.With().Str("conn", connID).Logger()

	info := fmt.Sprintf(
		`INFO {"server_id":"%s","server_name":"natswire","version":"%s","go":"go1.21","host":"0.0.0.0","port":4222,"headers":true,"proto":1}`+"\r\n",
		b.serverID, b.version.String(),
	)
	if err := writeLocked(wmu, nc, []byte(info)); err != nil {
		clog.Debug().Err(err).Msg("failed to write INFO, closing")
		return
	}

	mySubs := make(map[uint64]*subscriber)
	defer func() {
		for _, s := range mySubs {
			b.removeSub(s)
		}
	}()

	r := bufio.NewReader(nc)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				clog.Debug().Err(err).Msg("read error, closing")
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		sp := strings.IndexByte(line, ' ')
		verb, rest := line, ""
		if sp >= 0 {
			verb, rest = line[:sp], line[sp+1:]
		}

		switch strings.ToUpper(verb) {
		case "CONNECT":
			// Reference broker does not authenticate or interpret CONNECT
			// options; it only needs the handshake to keep moving.
		case "PING":
			writeLocked(wmu, nc, []byte("PONG\r\n"))
		case "PONG":
			// no-op
		case "PUB":
			if err := b.handlePub(r, rest, false); err != nil {
				writeErr(wmu, nc, err)
				clog.Debug().Err(err).Msg("PUB failed, closing")
				return
			}
		case "HPUB":
			if err := b.handlePub(r, rest, true); err != nil {
				writeErr(wmu, nc, err)
				clog.Debug().Err(err).Msg("HPUB failed, closing")
				return
			}
		case "SUB":
			sub, err := b.handleSub(nc, wmu, rest)
			if err != nil {
				writeErr(wmu, nc, err)
				clog.Debug().Err(err).Msg("SUB failed, closing")
				return
			}
			mySubs[sub.sid] = sub
			writeLocked(wmu, nc, []byte("+OK\r\n"))
		case "UNSUB":
			sid, err := parseUnsubArgs(rest)
			if err != nil {
				writeErr(wmu, nc, err)
				clog.Debug().Err(err).Msg("UNSUB failed, closing")
				return
			}
			if sub, ok := mySubs[sid]; ok {
				b.removeSub(sub)
				delete(mySubs, sid)
			}
			writeLocked(wmu, nc, []byte("+OK\r\n"))
		default:
			writeErr(wmu, nc, fmt.Errorf("unknown protocol operation"))
			clog.Debug().Str("verb", verb).Msg("unknown verb, closing")
			return
		}
	}
}

func (b *Broker) handlePub(r *bufio.Reader, rest string, hasHeader bool) error {
	subject, replyTo, headerSize, totalSize, err := parsePubArgs(rest, hasHeader)
	if err != nil {
		return err
	}

	body := make([]byte, totalSize+2)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("short payload read: %w", err)
	}
	if body[totalSize] != '\r' || body[totalSize+1] != '\n' {
		return fmt.Errorf("payload not terminated by CRLF")
	}
	body = body[:totalSize]

	var header []byte
	payload := body
	if hasHeader {
		if headerSize < 4 || headerSize > totalSize {
			return fmt.Errorf("invalid header size")
		}
		header = body[:headerSize-4]
		payload = body[headerSize:]
	}

	b.publish(subject, replyTo, header, payload)
	return nil
}

func (b *Broker) handleSub(nc net.Conn, wmu *sync.Mutex, rest string) (*subscriber, error) {
	tokens := strings.Fields(rest)
	if len(tokens) != 2 {
		return nil, fmt.Errorf("malformed SUB arguments")
	}
	subject := tokens[0]
	sid, err := strconv.ParseUint(tokens[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad sid: %w", err)
	}

	sub := &subscriber{sid: sid, subject: subject, conn: nc, wmu: wmu}
	b.addSub(sub)
	return sub, nil
}

func (b *Broker) addSub(sub *subscriber) {
	b.mu.Lock()
	if b.bySubject[sub.subject] == nil {
		b.bySubject[sub.subject] = make(map[*subscriber]struct{})
	}
	b.bySubject[sub.subject][sub] = struct{}{}
	b.mu.Unlock()
}

func (b *Broker) removeSub(sub *subscriber) {
	b.mu.Lock()
	delete(b.bySubject[sub.subject], sub)
	b.mu.Unlock()
}

func (b *Broker) publish(subject, replyTo string, header, payload []byte) {
	b.mu.Lock()
	recipients := make([]*subscriber, 0, len(b.bySubject[subject]))
	for s := range b.bySubject[subject] {
		recipients = append(recipients, s)
	}
	b.mu.Unlock()

	for _, s := range recipients {
		frame := encodeDeliver(s.sid, subject, replyTo, header, payload)
		writeLocked(s.wmu, s.conn, frame)
	}
}

// encodeDeliver builds the MSG or HMSG frame proto.Parser decodes on the
// receiving end (spec.md §6).
func encodeDeliver(sid uint64, subject, replyTo string, header, payload []byte) []byte {
	var b bytes.Buffer
	if header == nil {
		if replyTo == "" {
			fmt.Fprintf(&b, "MSG %s %d %d\r\n", subject, sid, len(payload))
		} else {
			fmt.Fprintf(&b, "MSG %s %d %s %d\r\n", subject, sid, replyTo, len(payload))
		}
		b.Write(payload)
	} else {
		headerSize := len(header) + 4
		total := headerSize + len(payload)
		if replyTo == "" {
			fmt.Fprintf(&b, "HMSG %s %d %d %d\r\n", subject, sid, headerSize, total)
		} else {
			fmt.Fprintf(&b, "HMSG %s %d %s %d %d\r\n", subject, sid, replyTo, headerSize, total)
		}
		b.Write(header)
		b.WriteString("\r\n\r\n")
		b.Write(payload)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func parsePubArgs(rest string, hasHeader bool) (subject, replyTo string, headerSize, totalSize uint64, err error) {
	tokens := strings.Fields(rest)
	want := 2
	if hasHeader {
		want = 3
	}

	var rawHeader, rawTotal string
	switch len(tokens) {
	case want:
		subject = tokens[0]
		if hasHeader {
			rawHeader, rawTotal = tokens[1], tokens[2]
		} else {
			rawTotal = tokens[1]
		}
	case want + 1:
		subject, replyTo = tokens[0], tokens[1]
		if hasHeader {
			rawHeader, rawTotal = tokens[2], tokens[3]
		} else {
			rawTotal = tokens[2]
		}
	default:
		return "", "", 0, 0, fmt.Errorf("wrong number of PUB/HPUB arguments")
	}

	if hasHeader {
		headerSize, err = strconv.ParseUint(rawHeader, 10, 64)
		if err != nil {
			return "", "", 0, 0, fmt.Errorf("bad header size: %w", err)
		}
	}
	totalSize, err = strconv.ParseUint(rawTotal, 10, 64)
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("bad payload size: %w", err)
	}
	return subject, replyTo, headerSize, totalSize, nil
}

func parseUnsubArgs(rest string) (uint64, error) {
	tokens := strings.Fields(rest)
	if len(tokens) == 0 {
		return 0, fmt.Errorf("malformed UNSUB arguments")
	}
	// A second token would be max_msgs (auto-unsubscribe after N
	// messages); the reference broker does not implement that refinement
	// and unsubscribes immediately regardless.
	sid, err := strconv.ParseUint(tokens[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad sid: %w", err)
	}
	return sid, nil
}

func writeLocked(mu *sync.Mutex, w io.Writer, b []byte) error {
	mu.Lock()
	defer mu.Unlock()
	_, err := w.Write(b)
	return err
}

func writeErr(mu *sync.Mutex, w io.Writer, err error) {
	writeLocked(mu, w, []byte(fmt.Sprintf("-ERR '%s'\r\n", err.Error())))
}
