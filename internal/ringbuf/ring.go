// Package ringbuf provides the single-producer/single-consumer byte buffer
// that decouples a router's socket reader from its framer.
//
// The unread region always occupies buf[r:w] contiguously. The producer
// only ever appends at w; it never touches the unread bytes buf[r:w], so a window
// handed to the consumer stays stable while the producer keeps writing.
// Compaction (moving the unread prefix to offset 0) happens exclusively on
// the consumer side, inside Window, where no window is outstanding. The
// consumer therefore always sees one contiguous region, which the framer
// requires, and the classic wrap hazards (a message header split across the
// physical end) cannot occur.
package ringbuf

import (
	"errors"
	"io"
	"sync"
)

var (
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("ringbuf: closed")
	// ErrWindowTooLarge is returned by Window when min exceeds capacity.
	// A message larger than the buffer can never become readable.
	ErrWindowTooLarge = errors.New("ringbuf: requested window exceeds capacity")
)

// Buffer is a fixed-capacity SPSC byte buffer. One goroutine calls Write,
// one goroutine calls Window/Consume. Close may be called from either side.
type Buffer struct {
	mu       sync.Mutex
	notFull  sync.Cond
	notEmpty sync.Cond

	buf []byte
	r   int // read index; unread data is buf[r:w]
	w   int // write index

	closed bool
	err    error // terminal producer error, io.EOF for a clean close
}

// New returns a Buffer with the given capacity in bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	b := &Buffer{buf: make([]byte, capacity)}
	b.notFull.L = &b.mu
	b.notEmpty.L = &b.mu
	return b
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Buffered returns the number of unread bytes.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.w - b.r
}

// Write copies all of p into the buffer, blocking while no space is
// reachable. The writer only appends at w — the unread bytes buf[r:w] are
// never moved or overwritten, so an outstanding consumer window stays
// intact. When the tail is exhausted the writer waits for the consumer to
// consume or compact. Returns the bytes written and ErrClosed if the buffer
// was closed before everything fit.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	written := 0
	for written < len(p) {
		if b.closed {
			return written, ErrClosed
		}

		tail := len(b.buf) - b.w
		if tail == 0 {
			b.notFull.Wait()
			continue
		}

		n := len(p) - written
		if n > tail {
			n = tail
		}
		copy(b.buf[b.w:], p[written:written+n])
		b.w += n
		written += n
		b.notEmpty.Signal()
	}
	return written, nil
}

// Window blocks until at least min unread bytes are available and returns
// the contiguous readable region. The returned slice is valid until the
// next Window, Consume, or Close call; the producer never mutates it. When
// more bytes are needed, the unread prefix is compacted to offset 0 —
// safely, since only the consumer calls Window and holds no window across
// the call. When the producer side has closed, the remaining bytes are
// returned as long as they satisfy min; afterwards the close error (io.EOF
// for a clean shutdown) is returned.
func (b *Buffer) Window(min int) ([]byte, error) {
	if min < 1 {
		min = 1
	}
	if min > len(b.buf) {
		return nil, ErrWindowTooLarge
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.w-b.r < min {
		if b.closed {
			err := b.err
			if err == nil {
				err = ErrClosed
			}
			return nil, err
		}
		// Reclaim the consumed prefix so the producer can keep filling
		// the tail.
		if b.r > 0 {
			copy(b.buf, b.buf[b.r:b.w])
			b.w -= b.r
			b.r = 0
			b.notFull.Broadcast()
		}
		b.notEmpty.Wait()
	}
	return b.buf[b.r:b.w], nil
}

// Consume advances the reader past n bytes returned by Window.
func (b *Buffer) Consume(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n < 0 || n > b.w-b.r {
		panic("ringbuf: consume beyond readable window")
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
	b.notFull.Broadcast()
}

// CloseWithError marks the buffer closed with a terminal error and wakes
// both sides. The consumer drains what is buffered, then Window returns err.
// A nil err is recorded as io.EOF.
func (b *Buffer) CloseWithError(err error) {
	if err == nil {
		err = io.EOF
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	b.notFull.Broadcast()
	b.notEmpty.Broadcast()
}

// Close marks the buffer closed with io.EOF.
func (b *Buffer) Close() { b.CloseWithError(nil) }
