package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-volley/internal/metrics"
)

type op struct {
	name string
	fn   func() error
	// always ops run even after the stream has failed, so cross-stream
	// waits never hang on a failed producer.
	always bool
	// skipped is told the stream error when a failed stream skips the op.
	skipped func(error)
}

// Stream executes submitted operations one at a time in submission order.
// Submission never blocks.
type Stream struct {
	ctx *Context
	id  int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []op
	pending int
	err     error
	closed  bool
	done    chan struct{}
}

func newStream(ctx *Context, id int) *Stream {
	s := &Stream{ctx: ctx, id: id, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	ctx.liveStreams.Add(1)
	go s.run()
	return s
}

func (s *Stream) ID() int {
	return s.id
}

func (s *Stream) String() string {
	return fmt.Sprintf("stream %d/%d", s.ctx.device, s.id)
}

func (s *Stream) run() {
	defer func() {
		s.ctx.liveStreams.Add(-1)
		close(s.done)
	}()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		o := s.queue[0]
		s.queue[0] = op{}
		s.queue = s.queue[1:]
		skip := s.err != nil && !o.always
		prior := s.err
		s.mu.Unlock()

		var err error
		switch {
		case !skip:
			err = s.exec(o)
		case o.skipped != nil:
			o.skipped(prior)
		}

		s.mu.Lock()
		if err != nil && s.err == nil {
			s.err = &Error{Op: o.name, Err: err}
			metrics.RecordDeviceError(o.name)
		}
		s.pending--
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

func (s *Stream) exec(o op) (err error) {
	if err := s.ctx.takeFault(o.name); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	start := time.Now()
	err = o.fn()
	metrics.RecordKernelDuration(o.name, time.Since(start))
	return err
}

// Launch queues fn. A non-nil return fails the stream.
func (s *Stream) Launch(name string, fn func() error) {
	s.enqueue(op{name: name, fn: fn})
}

// LaunchOrSkip is Launch for operations other streams depend on. If the
// stream has already failed when the operation is reached, skipped receives
// the stream error instead.
func (s *Stream) LaunchOrSkip(name string, fn func() error, skipped func(error)) {
	s.enqueue(op{name: name, fn: fn, skipped: skipped})
}

func (s *Stream) enqueue(o op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if s.err == nil {
			s.err = &Error{Op: o.name, Err: ErrStreamClosed}
		}
		return
	}
	s.queue = append(s.queue, o)
	s.pending++
	s.cond.Broadcast()
}

// Fail records a submission-time error, as if the named operation had failed
// on the device.
func (s *Stream) Fail(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = &Error{Op: name, Err: err}
		metrics.RecordDeviceError(name)
	}
}

// Err returns the sticky error without waiting.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Synchronize blocks until every submitted operation has run.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.cond.Wait()
	}
	return s.err
}

// Close drains the stream and stops its worker. It is safe to call twice.
func (s *Stream) Close() error {
	err := s.Synchronize()
	s.Destroy()
	<-s.done
	return err
}

// Destroy stops accepting work without waiting. Queued operations still run
// before the worker exits.
func (s *Stream) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cond.Broadcast()
}

// Record marks the current tail of s. Work waiting on e runs after everything
// submitted to s before this call, and inherits s's failure if it has one.
func (s *Stream) Record(e *Event) {
	pt := &eventPoint{done: make(chan struct{})}
	e.mu.Lock()
	e.point = pt
	e.mu.Unlock()
	s.enqueue(op{name: "event_record", always: true, fn: func() error {
		pt.err = s.Err()
		close(pt.done)
		return nil
	}})
}

// WaitEvent makes later work on s wait for the most recent Record of e. Waiting
// on an event that was never recorded is a no-op.
func (s *Stream) WaitEvent(e *Event) {
	e.mu.Lock()
	pt := e.point
	e.mu.Unlock()
	if pt == nil {
		return
	}
	s.enqueue(op{name: "event_wait", always: true, fn: func() error {
		<-pt.done
		return pt.err
	}})
}

type eventPoint struct {
	done chan struct{}
	err  error
}

// Event is a cross-stream ordering point.
type Event struct {
	mu    sync.Mutex
	point *eventPoint
}

// Synchronize blocks the host until the last recorded point is reached and
// returns the recording stream's error at that point.
func (e *Event) Synchronize() error {
	e.mu.Lock()
	pt := e.point
	e.mu.Unlock()
	if pt == nil {
		return nil
	}
	<-pt.done
	return pt.err
}

// Destroy detaches the event. Already queued waits are unaffected.
func (e *Event) Destroy() {
	e.mu.Lock()
	e.point = nil
	e.mu.Unlock()
}
