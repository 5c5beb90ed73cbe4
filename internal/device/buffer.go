package device

import (
	"fmt"
	"reflect"
)

// Buffer is a device allocation of n elements of E.
type Buffer[E any] struct {
	ctx   *Context
	data  []E
	bytes int64
}

func (b *Buffer[E]) Len() int {
	return len(b.data)
}

// All returns a region covering the whole buffer.
func (b *Buffer[E]) All() Region[E] {
	return Region[E]{Buf: b, Off: 0, Len: len(b.data)}
}

func (b *Buffer[E]) Region(off, n int) Region[E] {
	return Region[E]{Buf: b, Off: off, Len: n}
}

// Region addresses [Off, Off+Len) of a buffer. Regions replace raw pointer
// arithmetic: every cursor in the pipeline is an (offset, length) pair that is
// bounds checked when work is submitted.
type Region[E any] struct {
	Buf *Buffer[E]
	Off int
	Len int
}

func (r Region[E]) Valid() error {
	if r.Buf == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidRegion)
	}
	if r.Off < 0 || r.Len < 0 || r.Off+r.Len > len(r.Buf.data) {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrInvalidRegion, r.Off, r.Off+r.Len, len(r.Buf.data))
	}
	return nil
}

// Sub returns the region [off, off+n) relative to r.
func (r Region[E]) Sub(off, n int) Region[E] {
	return Region[E]{Buf: r.Buf, Off: r.Off + off, Len: n}
}

// Same reports whether both regions start at the same element of the same
// buffer.
func (r Region[E]) Same(o Region[E]) bool {
	return r.Buf == o.Buf && r.Off == o.Off
}

// Slice exposes the backing elements. Only stream operations and code that has
// synchronized the owning stream may touch them.
func (r Region[E]) Slice() []E {
	return r.Buf.data[r.Off : r.Off+r.Len]
}

// ToHost copies the region out. The caller synchronizes first.
func (r Region[E]) ToHost() []E {
	out := make([]E, r.Len)
	copy(out, r.Slice())
	return out
}

func (r Region[E]) String() string {
	return fmt.Sprintf("region[%d:%d]", r.Off, r.Off+r.Len)
}

func (r Region[E]) need(n int) error {
	if err := r.Valid(); err != nil {
		return err
	}
	if r.Len < n {
		return fmt.Errorf("%w: %d elements, need %d", ErrInvalidRegion, r.Len, n)
	}
	return nil
}

type poolKey struct {
	typ reflect.Type
	n   int
}

func elemSize[E any]() int64 {
	return int64(reflect.TypeFor[E]().Size())
}

// Alloc returns a zeroed buffer of n elements.
func Alloc[E any](c *Context, n int) *Buffer[E] {
	b := &Buffer[E]{ctx: c, data: make([]E, n), bytes: int64(n) * elemSize[E]()}
	c.traceAlloc(b.bytes)
	return b
}

// Release returns b's memory to the allocator.
func Release[E any](b *Buffer[E]) {
	if b == nil || b.data == nil {
		return
	}
	b.ctx.traceAlloc(-b.bytes)
	b.data = nil
}

// Get hands out a pooled buffer of exactly n elements, allocating when the
// pool is empty. Pooled buffers keep their previous contents.
func Get[E any](c *Context, n int) *Buffer[E] {
	key := poolKey{typ: reflect.TypeFor[E](), n: n}
	c.mu.Lock()
	pool := c.pool[key]
	if len(pool) > 0 {
		b := pool[len(pool)-1].(*Buffer[E])
		c.pool[key] = pool[:len(pool)-1]
		c.mu.Unlock()
		c.recordScratch(true)
		return b
	}
	c.mu.Unlock()
	c.recordScratch(false)
	return Alloc[E](c, n)
}

// Put returns b to its context's pool.
func Put[E any](b *Buffer[E]) {
	if b == nil || b.data == nil {
		return
	}
	c := b.ctx
	key := poolKey{typ: reflect.TypeFor[E](), n: len(b.data)}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool[key] = append(c.pool[key], b)
}

type releaser interface {
	release()
}

func (b *Buffer[E]) release() {
	Release(b)
}
