package proto

import (
	"bytes"
	"sync"
)

// crlf is the wire line terminator used throughout the grammar (§6).
var crlf = []byte{'\r', '\n'}

var bufPool = sync.Pool{
	New: func() interface{} {
		// The Pool's New function should generally only return pointer
		// types, since a pointer can be put into the return interface
		// value without an allocation.
		return new(bytes.Buffer)
	},
}

// inputBuffer accumulates received bytes and supports the small set of
// operations the state machine needs: append, peek, CRLF search, and
// prefix consumption. It never retains bytes already consumed by a
// completed event.
type inputBuffer struct {
	buf *bytes.Buffer
}

func newInputBuffer() *inputBuffer {
	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	return &inputBuffer{buf: b}
}

func (b *inputBuffer) release() {
	if b.buf == nil {
		return
	}
	bufPool.Put(b.buf)
	b.buf = nil
}

func (b *inputBuffer) append(chunk []byte) {
	b.buf.Write(chunk)
}

func (b *inputBuffer) len() int {
	return b.buf.Len()
}

// bytes returns the unconsumed buffer content. The caller must not retain
// it across a consume call without copying, since consume may reuse the
// backing array.
func (b *inputBuffer) bytes() []byte {
	return b.buf.Bytes()
}

// findCRLF returns the index of the first CRLF in the unconsumed buffer,
// or -1 if none is present yet.
func (b *inputBuffer) findCRLF() int {
	return bytes.Index(b.buf.Bytes(), crlf)
}

// consume drops the first n bytes of the unconsumed buffer.
func (b *inputBuffer) consume(n int) {
	b.buf.Next(n)
}

