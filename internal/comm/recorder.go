package comm

import (
	"sync"

	"github.com/23skdu/longbow-volley/internal/device"
)

// Recorder is a Comm that performs only the local part of each collective and
// keeps the call sequence, so that ranks can be driven one at a time and their
// traces compared afterwards.
type Recorder[T any] struct {
	rank, size int
	caps       map[Capability]bool

	mu    sync.Mutex
	trace []Call
}

func NewRecorder[T any](rank, size int, caps ...Capability) *Recorder[T] {
	r := &Recorder[T]{rank: rank, size: size, caps: make(map[Capability]bool)}
	for _, c := range caps {
		r.caps[c] = true
	}
	return r
}

func (r *Recorder[T]) Rank() int { return r.rank }
func (r *Recorder[T]) Size() int { return r.size }

func (r *Recorder[T]) Query(c Capability) bool {
	return r.caps[c]
}

func (r *Recorder[T]) AllGather(src, dst device.Region[T], count int, s *device.Stream) {
	call := Call{Op: OpAllGather, Count: count}
	r.record(call)
	if err := checkRegions(call, r.rank, r.size, src, dst); err != nil {
		s.Fail(call.Op, err)
		return
	}
	s.Launch(call.Op, func() error {
		srcs := make([]device.Region[T], r.size)
		for q := range srcs {
			srcs[q] = dst.Sub(q*count, count)
		}
		srcs[r.rank] = src
		gather1D(dst, srcs, count)
		return nil
	})
}

func (r *Recorder[T]) AllGather2D(src, dst device.Region[T], pitch, stride, width, rows int, flags StageFlags, s *device.Stream) {
	call := Call{Op: OpAllGather2D, Pitch: pitch, Stride: stride, Width: width, Rows: rows, Flags: flags}
	r.record(call)
	if err := checkRegions(call, r.rank, r.size, src, dst); err != nil {
		s.Fail(call.Op, err)
		return
	}
	s.Launch(call.Op, func() error {
		srcs := make([]device.Region[T], r.size)
		for q := range srcs {
			srcs[q] = dst.Sub(q*stride, 0)
		}
		srcs[r.rank] = src
		gather2D(dst, srcs, call)
		return nil
	})
}

func (r *Recorder[T]) record(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace = append(r.trace, c)
}

// Trace returns the calls issued so far.
func (r *Recorder[T]) Trace() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.trace...)
}

func (r *Recorder[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace = nil
}
