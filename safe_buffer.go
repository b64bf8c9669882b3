// Completion: 100% - Module complete
package main

import (
	"bytes"
	"fmt"
	"os"
)

// SafeBuffer holds the bytes of one section while the assembler is still
// producing them. Initialized bytes are stored; an uninitialized tail is only
// counted. Once emission starts the buffer is committed and frozen.
type SafeBuffer struct {
	buf       bytes.Buffer
	reserved  uint32 // uninitialized bytes after the stored ones
	committed bool   // True once Commit() is called
	name      string // section name, for panics and verbose output
}

// NewSafeBuffer creates an empty buffer for the named section
func NewSafeBuffer(name string) *SafeBuffer {
	return &SafeBuffer{name: name}
}

// Write appends initialized bytes. Panics if buffer is committed.
func (sb *SafeBuffer) Write(p []byte) (n int, err error) {
	if sb.committed {
		panic(fmt.Sprintf("SafeBuffer(%s): Cannot write to committed buffer", sb.name))
	}
	if sb.reserved > 0 {
		return 0, fmt.Errorf("%s: initialized bytes cannot follow %d reserved bytes", sb.name, sb.reserved)
	}
	return sb.buf.Write(p)
}

// Reserve extends the uninitialized tail by n bytes. Panics if buffer is committed.
func (sb *SafeBuffer) Reserve(n uint32) {
	if sb.committed {
		panic(fmt.Sprintf("SafeBuffer(%s): Cannot reserve space in committed buffer", sb.name))
	}
	sb.reserved += n
}

// Bytes returns the initialized bytes. Safe to call after commit.
func (sb *SafeBuffer) Bytes() []byte {
	return sb.buf.Bytes()
}

// Len returns the number of initialized bytes
func (sb *SafeBuffer) Len() int {
	return sb.buf.Len()
}

// Span is the stored length plus the reserved tail
func (sb *SafeBuffer) Span() uint32 {
	return uint32(sb.buf.Len()) + sb.reserved
}

// Commit marks the buffer as complete. After this, no more writes are allowed.
func (sb *SafeBuffer) Commit() {
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "SafeBuffer(%s): Committed with %d bytes (%d reserved)\n",
			sb.name, sb.buf.Len(), sb.reserved)
	}
	sb.committed = true
}

// IsCommitted returns true if the buffer has been committed
func (sb *SafeBuffer) IsCommitted() bool {
	return sb.committed
}
