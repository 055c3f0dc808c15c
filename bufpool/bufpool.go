// Package bufpool provides the buffer pool façade described in spec.md §3
// and §4 module B: a pool of MessageBuffers and the finalization counter
// used as the sole leak-detection signal (spec.md §9 "Pooled objects": a
// target with cheap allocation may skip pooling entirely as long as the
// finalizations counter is wired).
//
// The sync.Pool-of-stateful-object pattern here is lifted from
// LeGamerDc-gio/protocol/pool.go, which keeps zstd encoders/decoders in a
// sync.Pool pair with get/put helpers; this package applies the same shape
// to MessageBuffers instead of codec state.
package bufpool

import (
	"sync"

	"github.com/kelgrim/bichannel/metrics"
)

// MessageBuffer is a contiguous byte region of declared capacity carrying
// an offset and count within it (spec.md §3). It is mutated only by its
// current exclusive holder and must be released exactly once.
type MessageBuffer struct {
	buf      []byte
	offset   int
	count    int
	released bool
	pool     *Pool
}

// Bytes returns the active region [offset, offset+count) of the buffer.
func (m *MessageBuffer) Bytes() []byte { return m.buf[m.offset : m.offset+m.count] }

// Capacity returns the total byte capacity of the underlying region.
func (m *MessageBuffer) Capacity() int { return len(m.buf) }

// SetLen sets the count of valid bytes starting at offset 0 and resets the
// offset; used when refilling a buffer for a new receive.
func (m *MessageBuffer) SetLen(n int) {
	m.offset = 0
	m.count = n
}

// Grow resizes the buffer to hold n bytes, replacing the backing array with
// a new one when its capacity is smaller than n; content is not guaranteed
// to be preserved (used when a declared frame body length exceeds the
// buffer's current capacity).
func (m *MessageBuffer) Grow(n int) {
	if cap(m.buf) >= n {
		m.buf = m.buf[:n]
	} else {
		m.buf = make([]byte, n)
	}
	m.offset = 0
	m.count = n
}

// Release returns the buffer to its pool. Double-release is a defect
// (spec.md §3); it is detected and reported through the finalizations
// counter rather than panicking, since the core is specified to attempt to
// continue (spec.md §7 "double_release").
func (m *MessageBuffer) Release() {
	if m.pool == nil {
		return
	}
	m.pool.release(m)
}

// Pool hands out MessageBuffers and counts finalizations, which it records
// for double releases only. A buffer the caller never returns stays in the
// Outstanding count; this package does not detect leaks via GC finalizers,
// since spec.md §9 only requires the counter to exist and be wired, not
// that it catch every leak class).
type Pool struct {
	sink        metrics.Sink
	defaultCap  int
	free        sync.Pool
	outstanding sync.Map // *MessageBuffer -> struct{}, membership = "checked out"
}

// New returns a Pool that allocates buffers of defaultCap bytes when the
// free list is empty, reporting finalization counts to sink (which may be
// metrics.Noop()).
func New(defaultCap int, sink metrics.Sink) *Pool {
	if sink == nil {
		sink = metrics.Noop()
	}
	p := &Pool{sink: sink, defaultCap: defaultCap}
	p.free.New = func() any {
		return &MessageBuffer{buf: make([]byte, defaultCap), pool: p}
	}
	return p
}

// Acquire returns a buffer with at least n bytes of capacity and count set
// to n. The caller is the new exclusive holder.
func (p *Pool) Acquire(n int) *MessageBuffer {
	m := p.free.Get().(*MessageBuffer)
	m.released = false
	if cap(m.buf) < n {
		m.buf = make([]byte, n)
	} else {
		m.buf = m.buf[:cap(m.buf)]
	}
	m.offset = 0
	m.count = n
	p.outstanding.Store(m, struct{}{})
	return m
}

func (p *Pool) release(m *MessageBuffer) {
	if m.released {
		// Double-release (spec.md §7 "double_release"): a defect, but the
		// core continues and records it via the finalizations counter
		// rather than corrupting the free list by re-adding the buffer.
		p.sink.IncCounter("finalizations", map[string]string{"type": "message_buffer"})
		return
	}
	m.released = true
	p.outstanding.Delete(m)
	p.free.Put(m)
}

// Outstanding returns the number of buffers currently checked out, useful
// for leak assertions in tests (spec.md §8 S6: "no resources leak, verified
// via the finalization counter remaining at 0").
func (p *Pool) Outstanding() int {
	n := 0
	p.outstanding.Range(func(_, _ any) bool { n++; return true })
	return n
}
