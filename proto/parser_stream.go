package proto

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// State is the parser's position in the recognition state machine
// (spec.md §4.2). It has no terminal state short of Close. Exported so
// Parser.History() callers outside this package can inspect and print the
// states it records, not just count/iterate over them.
type State int

const (
	stateControl State = iota
	stateMsgPayload
	stateHMsgPayload
)

func (s State) String() string {
	switch s {
	case stateControl:
		return "control"
	case stateMsgPayload:
		return "msg-payload"
	case stateHMsgPayload:
		return "hmsg-payload"
	default:
		return "unknown"
	}
}

// partialMsg is the in-progress MSG/HMSG whose control line has been
// parsed but whose payload has not yet fully arrived. It is exclusively
// owned by the parser until the payload completes, at which point it is
// folded into the emitted Event.
type partialMsg struct {
	op      Op
	sid     uint64
	subject string
	replyTo string
}

// Parser is the scanner/fast-path formulation of the NATS wire protocol
// state machine: on recognizing the first verb byte it locates the
// terminating CRLF and parses the whole control line in one pass, rather
// than stepping byte by byte. It is the primary, public implementation;
// see parser.go for the byte-at-a-time reference formulation spec.md §9
// asks to keep around. Both accept the same language and emit the same
// events.
//
// Parser is single-threaded and cooperative: Parse appends a chunk and
// drives the state machine until the buffer is exhausted or the current
// frame is incomplete, then returns. It performs no I/O.
type Parser struct {
	buf *inputBuffer
	st  State

	expectedHeaderSize uint64
	expectedTotalSize  uint64
	partial            *partialMsg

	events []Event

	closed    bool
	poisonErr error

	log     zerolog.Logger
	history *history
}

// NewParser returns a Parser in the initial AWAITING_CONTROL_LINE state
// with an empty buffer and no partial message.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{
		buf: newInputBuffer(),
		st:  stateControl,
		log: defaultLogger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Parse appends chunk to the internal buffer and advances the state
// machine until the buffer cannot yield more completed frames. It
// returns ErrParserClosed if Close was already called. Any other
// non-nil error is a *ProtocolError: the parser is poisoned and every
// subsequent call to Parse — including this one's callers retrying —
// returns the same error. Events enqueued before the error remain
// drainable via DrainEvents.
func (p *Parser) Parse(chunk []byte) error {
	if p.closed {
		return ErrParserClosed
	}
	if p.poisonErr != nil {
		return p.poisonErr
	}

	p.buf.append(chunk)
	for {
		cont, err := p.step()
		if err != nil {
			p.poisonErr = err
			if pe, ok := err.(*ProtocolError); ok {
				p.log.Debug().
					Str("context", string(pe.Context)).
					Uint8("byte", pe.OffendingByte).
					Msg("protocol error, parser poisoned")
			}
			return err
		}
		if !cont {
			return nil
		}
	}
}

// DrainEvents returns all events produced since the last drain, in
// order, and empties the internal queue. Calling it twice in a row with
// no intervening Parse returns the queued events first, then nil.
func (p *Parser) DrainEvents() []Event {
	if len(p.events) == 0 {
		return nil
	}
	out := p.events
	p.events = nil
	return out
}

// Close sets the terminal flag. Idempotent. Events already enqueued
// remain drainable afterward; only Parse is affected.
func (p *Parser) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.buf.release()
}

// Discard skips n bytes of the buffered stream and resets the state
// machine to AWAITING_CONTROL_LINE, clearing any latched protocol error.
// It is a deliberate opt-in recovery path (spec.md §5 supplemental
// behavior): without calling it, a ProtocolError permanently poisons the
// parser as spec.md §7 requires.
func (p *Parser) Discard(n int) {
	if n > p.buf.len() {
		n = p.buf.len()
	}
	p.buf.consume(n)
	p.st = stateControl
	p.partial = nil
	p.poisonErr = nil
}

func (p *Parser) step() (cont bool, err error) {
	p.history.record(p.st)
	switch p.st {
	case stateControl:
		return p.stepControl()
	case stateMsgPayload, stateHMsgPayload:
		return p.stepPayload()
	default:
		return false, newProtocolError(0, nil)
	}
}

func (p *Parser) stepControl() (bool, error) {
	data := p.buf.bytes()
	if len(data) == 0 {
		return false, nil
	}

	switch b0 := data[0]; {
	case b0 == 'M' || b0 == 'm':
		return p.stepMsg(data)
	case b0 == 'H' || b0 == 'h':
		return p.stepHMsg(data)
	case b0 == 'P' || b0 == 'p':
		return p.stepPingPong(data)
	case b0 == 'I' || b0 == 'i':
		return p.stepInfo(data)
	case b0 == '+':
		return p.stepOK(data)
	case b0 == '-':
		return p.stepErr(data)
	default:
		return false, newProtocolError(b0, data)
	}
}

func (p *Parser) stepMsg(data []byte) (bool, error) {
	idx := p.buf.findCRLF()
	if idx < 0 {
		return false, nil
	}
	line := data[:idx]
	if len(line) < 4 || !bytes.EqualFold(line[:3], []byte("MSG")) || line[3] != ' ' {
		return false, newProtocolError(line[0], line)
	}

	tokens := strings.Split(string(line[4:]), " ")
	var subject, replyTo, rawSid, rawTotal string
	switch len(tokens) {
	case 3:
		subject, rawSid, rawTotal = tokens[0], tokens[1], tokens[2]
	case 4:
		subject, rawSid, replyTo, rawTotal = tokens[0], tokens[1], tokens[2], tokens[3]
	default:
		return false, newProtocolError(line[0], line)
	}

	sid, err1 := strconv.ParseUint(rawSid, 10, 64)
	total, err2 := strconv.ParseUint(rawTotal, 10, 64)
	if err1 != nil || err2 != nil {
		return false, newProtocolError(line[0], line)
	}

	p.partial = &partialMsg{op: OpMsg, sid: sid, subject: subject, replyTo: replyTo}
	p.expectedTotalSize = total
	p.st = stateMsgPayload
	p.buf.consume(idx + 2)
	return true, nil
}

func (p *Parser) stepHMsg(data []byte) (bool, error) {
	idx := p.buf.findCRLF()
	if idx < 0 {
		return false, nil
	}
	line := data[:idx]
	if len(line) < 5 || !bytes.EqualFold(line[:4], []byte("HMSG")) || line[4] != ' ' {
		return false, newProtocolError(line[0], line)
	}

	tokens := strings.Split(string(line[5:]), " ")
	var subject, replyTo, rawSid, rawHeader, rawTotal string
	switch len(tokens) {
	case 4:
		subject, rawSid, rawHeader, rawTotal = tokens[0], tokens[1], tokens[2], tokens[3]
	case 5:
		subject, rawSid, replyTo, rawHeader, rawTotal = tokens[0], tokens[1], tokens[2], tokens[3], tokens[4]
	default:
		return false, newProtocolError(line[0], line)
	}

	sid, err1 := strconv.ParseUint(rawSid, 10, 64)
	headerSize, err2 := strconv.ParseUint(rawHeader, 10, 64)
	total, err3 := strconv.ParseUint(rawTotal, 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return false, newProtocolError(line[0], line)
	}
	if headerSize < 4 || total < headerSize {
		return false, newProtocolError(line[0], line)
	}

	p.partial = &partialMsg{op: OpHMsg, sid: sid, subject: subject, replyTo: replyTo}
	p.expectedHeaderSize = headerSize
	p.expectedTotalSize = total
	p.st = stateHMsgPayload
	p.buf.consume(idx + 2)
	return true, nil
}

func (p *Parser) stepPingPong(data []byte) (bool, error) {
	idx := p.buf.findCRLF()
	if idx < 0 {
		return false, nil
	}
	line := data[:idx]
	switch {
	case bytes.EqualFold(line, []byte("PING")):
		p.events = append(p.events, Event{Op: OpPing})
	case bytes.EqualFold(line, []byte("PONG")):
		p.events = append(p.events, Event{Op: OpPong})
	default:
		return false, newProtocolError(line[0], line)
	}
	p.buf.consume(idx + 2)
	return true, nil
}

func (p *Parser) stepOK(data []byte) (bool, error) {
	idx := p.buf.findCRLF()
	if idx < 0 {
		return false, nil
	}
	line := data[:idx]
	if len(line) != 3 || !bytes.EqualFold(line[1:], []byte("OK")) {
		return false, newProtocolError(line[0], line)
	}
	p.events = append(p.events, Event{Op: OpOK})
	p.buf.consume(idx + 2)
	return true, nil
}

func (p *Parser) stepErr(data []byte) (bool, error) {
	idx := p.buf.findCRLF()
	if idx < 0 {
		return false, nil
	}
	line := data[:idx]
	if len(line) < 6 || !bytes.EqualFold(line[:4], []byte("-ERR")) || line[4] != ' ' {
		return false, newProtocolError(line[0], line)
	}
	msg := line[5:]
	for _, c := range msg {
		if c == '\r' || c == '\n' {
			return false, newProtocolError(c, line)
		}
	}
	// Verbatim, no quote-stripping or case-folding: spec.md §9 chooses this
	// over the source variant that strips surrounding quotes and
	// lowercases, since the quotes are server framing downstream
	// consumers may rely on.
	p.events = append(p.events, Event{Op: OpErr, Message: string(msg)})
	p.buf.consume(idx + 2)
	return true, nil
}

func (p *Parser) stepInfo(data []byte) (bool, error) {
	idx := p.buf.findCRLF()
	if idx < 0 {
		return false, nil
	}
	line := data[:idx]
	if len(line) < 6 || !bytes.EqualFold(line[:4], []byte("INFO")) || line[4] != ' ' || line[5] != '{' {
		offending := line[0]
		if len(line) > 5 {
			offending = line[5]
		}
		return false, newProtocolError(offending, line)
	}

	info, err := decodeInfo(line[5:])
	if err != nil {
		return false, newProtocolError(line[0], line)
	}
	p.events = append(p.events, Event{Op: OpInfo, Info: info})
	p.buf.consume(idx + 2)
	return true, nil
}

func (p *Parser) stepPayload() (bool, error) {
	total := int(p.expectedTotalSize)
	if p.buf.len() < total+2 {
		return false, nil
	}
	data := p.buf.bytes()
	trailing := data[total : total+2]
	if trailing[0] != '\r' || trailing[1] != '\n' {
		return false, newProtocolError(trailing[0], data[:total+2])
	}

	switch p.st {
	case stateMsgPayload:
		p.events = append(p.events, Event{
			Op:      OpMsg,
			Sid:     p.partial.sid,
			Subject: p.partial.subject,
			ReplyTo: p.partial.replyTo,
			Payload: copyBytes(data[:total]),
		})
	case stateHMsgPayload:
		hsize := int(p.expectedHeaderSize)
		headerRegion := data[:hsize]
		if !bytes.Equal(headerRegion[hsize-4:hsize], []byte("\r\n\r\n")) {
			return false, newProtocolError(data[0], data[:total+2])
		}
		p.events = append(p.events, Event{
			Op:      OpHMsg,
			Sid:     p.partial.sid,
			Subject: p.partial.subject,
			ReplyTo: p.partial.replyTo,
			Header:  copyBytes(headerRegion[:hsize-4]),
			Payload: copyBytes(data[hsize:total]),
		})
	}

	p.buf.consume(total + 2)
	p.partial = nil
	p.st = stateControl
	return true, nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
