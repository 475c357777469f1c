package proto

import (
	"errors"
	"fmt"
)

// ErrParserClosed is returned by Parse once Close has been called on the
// parser.
var ErrParserClosed = errors.New("proto: parser closed")

// maxErrorContext bounds how much of the residual buffer a ProtocolError
// captures, so a pathological stream can't make error reporting itself
// unbounded.
const maxErrorContext = 256

// ProtocolError reports a malformed frame. It is fatal: once returned
// from Parse, the parser is poisoned and every subsequent Parse call
// fails (see Parser.Parse).
type ProtocolError struct {
	// OffendingByte is the byte that caused rejection, or the first byte
	// of a malformed region when the error is detected at a region
	// boundary (e.g. a missing trailing CRLF).
	OffendingByte byte
	// Context is the residual buffer content at the point of failure,
	// bounded to maxErrorContext bytes.
	Context []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("proto: protocol error at byte %q, context %q", e.OffendingByte, e.Context)
}

func newProtocolError(offending byte, context []byte) *ProtocolError {
	if len(context) > maxErrorContext {
		context = context[:maxErrorContext]
	}
	cp := make([]byte, len(context))
	copy(cp, context)
	return &ProtocolError{OffendingByte: offending, Context: cp}
}
