// Package ringbuf implements a fixed-capacity, single-producer/single-consumer
// byte FIFO with a contiguous-span consume API, used for transport TX staging
// and RX buffering throughout the NCP stack.
package ringbuf

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/particle-iot/esp32-ncp-firmware/ncperr"
)

// RingBuffer is safe for one producer (Put/PutZero) and one consumer
// (Consume/ConsumeCommit/Get) to use concurrently, but Reset must not race
// with either.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	head int // next byte to read
	tail int // next byte to write
	full bool
}

// New allocates a ring buffer with the given capacity in bytes.
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

func (r *RingBuffer) Cap() int {
	return len(r.buf)
}

// Data returns the number of bytes currently readable.
func (r *RingBuffer) Data() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dataLocked()
}

func (r *RingBuffer) dataLocked() int {
	if r.full {
		return len(r.buf)
	}
	if r.tail >= r.head {
		return r.tail - r.head
	}
	return len(r.buf) - r.head + r.tail
}

// Space returns the number of bytes currently writable.
func (r *RingBuffer) Space() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) - r.dataLocked()
}

func (r *RingBuffer) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.full && r.head == r.tail
}

// Reset discards all buffered data. Must not be called concurrently with any
// other method.
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.tail, r.full = 0, 0, false
}

// Put copies src into the buffer in full, or fails with a wrapped
// ncperr.ErrTooLargeData without writing anything.
func (r *RingBuffer) Put(src []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(src) > len(r.buf)-r.dataLocked() {
		return 0, errors.Wrap(ncperr.ErrTooLargeData, "ringbuf: put exceeds space")
	}
	n := copy(r.buf[r.tail:], src)
	copy(r.buf, src[n:])
	r.tail = (r.tail + len(src)) % len(r.buf)
	if len(src) > 0 {
		r.full = r.tail == r.head
	}
	return len(src), nil
}

// PutZero writes n zero bytes, used to pad a transmission to a DMA alignment
// boundary.
func (r *RingBuffer) PutZero(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	zeros := make([]byte, n)
	return r.Put(zeros)
}

// Get copies up to len(dst) bytes out of the buffer, returning the number
// copied.
func (r *RingBuffer) Get(dst []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	avail := r.dataLocked()
	n := len(dst)
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}
	first := copy(dst, r.buf[r.head:])
	if first < n {
		copy(dst[first:], r.buf[:n-first])
	}
	r.head = (r.head + n) % len(r.buf)
	if n > 0 {
		r.full = false
	}
	return n
}

// Consume returns a contiguous span of up to n unread bytes without advancing
// past a wrap boundary, and reserves them: the caller must eventually call
// ConsumeCommit with how many of the reserved bytes it actually used. The
// returned slice aliases the buffer's storage and is invalidated by the next
// Put or Reset.
func (r *RingBuffer) Consume(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	avail := r.dataLocked()
	if n > avail {
		n = avail
	}
	if n == 0 {
		return nil
	}
	untilWrap := len(r.buf) - r.head
	if n > untilWrap {
		n = untilWrap
	}
	return r.buf[r.head : r.head+n]
}

// ConsumeCommit advances the read cursor by actual bytes, having reserved
// `reserved` bytes via the preceding Consume call. actual must be <= reserved;
// any unused reservation is released back to the buffer untouched.
func (r *RingBuffer) ConsumeCommit(actual, reserved int) {
	if actual > reserved {
		panic("ringbuf: actual exceeds reserved")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if actual == 0 {
		return
	}
	r.head = (r.head + actual) % len(r.buf)
	r.full = false
}
