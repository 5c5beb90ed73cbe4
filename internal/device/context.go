// Package device is an in-process stand-in for an accelerator runtime. Buffers
// are owned slices, streams execute submitted work in order on their own
// goroutine, and events order work across streams.
package device

import (
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-volley/internal/metrics"
)

var allocatedBytes atomic.Int64

// AllocatedBytes is the process-wide live allocation across all contexts.
func AllocatedBytes() int64 {
	return allocatedBytes.Load()
}

type Option func(*Context)

// WithSyncCheck makes CheckStream drain the stream before inspecting it.
func WithSyncCheck(on bool) Option {
	return func(c *Context) { c.syncCheck = on }
}

// Context is one device: its primary stream, allocator and buffer pool.
type Context struct {
	device      int
	syncCheck   bool
	stream      *Stream
	streamSeq   atomic.Int32
	liveStreams atomic.Int32

	mu     sync.Mutex
	pool   map[poolKey][]releaser
	live   atomic.Int64
	faults map[string]error
}

func NewContext(device int, opts ...Option) *Context {
	c := &Context{
		device: device,
		pool:   make(map[poolKey][]releaser),
		faults: make(map[string]error),
	}
	for _, o := range opts {
		o(c)
	}
	c.stream = c.NewStream()
	return c
}

func (c *Context) Device() int {
	return c.device
}

// Stream is the primary stream all pipeline work is submitted to.
func (c *Context) Stream() *Stream {
	return c.stream
}

// NewStream creates a stream that does not implicitly order against any other.
func (c *Context) NewStream() *Stream {
	return newStream(c, int(c.streamSeq.Add(1))-1)
}

func (c *Context) NewEvent() *Event {
	return &Event{}
}

// LiveStreams counts streams whose worker is still running.
func (c *Context) LiveStreams() int {
	return int(c.liveStreams.Load())
}

// LiveBytes is the allocation owned by this context.
func (c *Context) LiveBytes() int64 {
	return c.live.Load()
}

// InjectFault makes the next execution of op fail with err.
func (c *Context) InjectFault(op string, err error) {
	if err == nil {
		err = ErrInjected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = err
}

func (c *Context) takeFault(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err, ok := c.faults[op]
	if ok {
		delete(c.faults, op)
	}
	return err
}

// CheckStream surfaces a failure recorded on s. With sync checking enabled it
// waits for all submitted work first.
func (c *Context) CheckStream(s *Stream) error {
	if c.syncCheck {
		return s.Synchronize()
	}
	return s.Err()
}

// Free drains the primary stream and releases every pooled buffer.
func (c *Context) Free() error {
	err := c.stream.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, bufs := range c.pool {
		for _, b := range bufs {
			b.release()
		}
	}
	c.pool = make(map[poolKey][]releaser)
	return err
}

func (c *Context) traceAlloc(delta int64) {
	c.live.Add(delta)
	metrics.RecordDeviceMemory(allocatedBytes.Add(delta))
}

func (c *Context) recordScratch(reused bool) {
	metrics.RecordScratch(reused)
}
