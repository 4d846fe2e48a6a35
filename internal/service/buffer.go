package service

import (
	"bytes"
	"errors"
	"sync"
)

// ErrBufferSealed is returned by ResponseBuffer.Write once the buffer has
// reached a terminal state.
var ErrBufferSealed = errors.New("response buffer sealed")

// ResponseBuffer accumulates an upstream body into one contiguous slice.
// Writes after Seal are rejected, so a body that completes after the timeout
// guard fired can never reach the client.
type ResponseBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	sealed bool
}

// NewResponseBuffer returns an empty, open buffer.
func NewResponseBuffer() *ResponseBuffer {
	return &ResponseBuffer{}
}

// Write appends one chunk.
func (b *ResponseBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return 0, ErrBufferSealed
	}
	return b.buf.Write(p)
}

// Seal stops the buffer from accepting further chunks. It is idempotent.
func (b *ResponseBuffer) Seal() {
	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (b *ResponseBuffer) Sealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}

// Bytes returns the assembled body. Call it only after Seal.
func (b *ResponseBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

// Len returns the number of buffered bytes.
func (b *ResponseBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
