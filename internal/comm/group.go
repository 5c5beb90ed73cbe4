package comm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/metrics"
)

type GroupOption func(*groupOptions)

type groupOptions struct {
	allGather2D bool
	timeout     time.Duration
}

// WithAllGather2D sets whether the group advertises HasAllGather2D.
func WithAllGather2D(on bool) GroupOption {
	return func(o *groupOptions) { o.allGather2D = on }
}

// WithTimeout bounds how long a rank waits for its peers inside one
// collective. Zero waits forever.
func WithTimeout(d time.Duration) GroupOption {
	return func(o *groupOptions) { o.timeout = d }
}

// Group connects size ranks living in one process. Each rank's collectives
// rendezvous by issue order: the n-th collective of every rank forms one round.
type Group[T any] struct {
	size int
	opts groupOptions

	mu      sync.Mutex
	rounds  map[uint64]*round[T]
	err     error
	abortCh chan struct{}
}

type round[T any] struct {
	calls   []Call
	srcs    []device.Region[T]
	arrived int
	left    int
	ready   chan struct{}
	done    chan struct{}
}

func NewGroup[T any](size int, opts ...GroupOption) *Group[T] {
	o := groupOptions{allGather2D: true}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[T]{
		size:    size,
		opts:    o,
		rounds:  make(map[uint64]*round[T]),
		abortCh: make(chan struct{}),
	}
}

func (g *Group[T]) Size() int {
	return g.size
}

// Comm returns rank's handle. Each rank must use exactly one handle.
func (g *Group[T]) Comm(rank int) *LocalComm[T] {
	if rank < 0 || rank >= g.size {
		panic(fmt.Sprintf("comm: rank %d out of range [0, %d)", rank, g.size))
	}
	return &LocalComm[T]{g: g, rank: rank}
}

// Abort fails every pending and future collective with err. Only the first
// call has an effect.
func (g *Group[T]) Abort(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return
	}
	g.err = fmt.Errorf("%w: %w", ErrAborted, err)
	close(g.abortCh)
	logger.Log.Warn("collective group aborted", "size", g.size, "error", err)
}

// Err reports why the group was aborted.
func (g *Group[T]) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

func (g *Group[T]) join(seq uint64, rank int, c Call, src device.Region[T]) (*round[T], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	r, ok := g.rounds[seq]
	if !ok {
		r = &round[T]{
			calls: make([]Call, g.size),
			srcs:  make([]device.Region[T], g.size),
			ready: make(chan struct{}),
			done:  make(chan struct{}),
		}
		g.rounds[seq] = r
	}
	r.calls[rank] = c
	r.srcs[rank] = src
	r.arrived++
	if r.arrived == g.size {
		close(r.ready)
	}
	return r, nil
}

func (g *Group[T]) leave(seq uint64, r *round[T]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r.left++
	if r.left == g.size {
		close(r.done)
		delete(g.rounds, seq)
	}
}

func (g *Group[T]) wait(ch <-chan struct{}, c Call) error {
	var timeout <-chan time.Time
	if g.opts.timeout > 0 {
		t := time.NewTimer(g.opts.timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ch:
		return nil
	case <-g.abortCh:
		return g.Err()
	case <-timeout:
		err := fmt.Errorf("%w: %s after %s", ErrTimeout, c, g.opts.timeout)
		g.Abort(err)
		return err
	}
}

// exchange runs one round: wait for all ranks, verify they agree, run work,
// then wait until every rank has finished reading its peers.
func (g *Group[T]) exchange(seq uint64, rank int, c Call, src device.Region[T], work func(srcs []device.Region[T]) error) error {
	r, err := g.join(seq, rank, c, src)
	if err != nil {
		return err
	}
	if err := g.wait(r.ready, c); err != nil {
		return err
	}
	for q, peer := range r.calls {
		if peer != c {
			g.leave(seq, r)
			return fmt.Errorf("%w: rank %d issued %s, rank %d issued %s", ErrCollectiveMismatch, rank, c, q, peer)
		}
	}
	err = work(r.srcs)
	g.leave(seq, r)
	if werr := g.wait(r.done, c); werr != nil && err == nil {
		err = werr
	}
	return err
}

// LocalComm is one rank of a Group.
type LocalComm[T any] struct {
	g    *Group[T]
	rank int
	seq  atomic.Uint64
}

func (c *LocalComm[T]) Rank() int { return c.rank }
func (c *LocalComm[T]) Size() int { return c.g.size }

func (c *LocalComm[T]) Query(cap Capability) bool {
	switch cap {
	case HasAllGather2D:
		return c.g.opts.allGather2D
	default:
		return false
	}
}

func (c *LocalComm[T]) AllGather(src, dst device.Region[T], count int, s *device.Stream) {
	call := Call{Op: OpAllGather, Count: count}
	c.submit(call, src, dst, s, func(srcs []device.Region[T]) error {
		gather1D(dst, srcs, count)
		return nil
	})
}

func (c *LocalComm[T]) AllGather2D(src, dst device.Region[T], pitch, stride, width, rows int, flags StageFlags, s *device.Stream) {
	if !c.g.opts.allGather2D {
		s.Fail(OpAllGather2D, fmt.Errorf("%s not supported by group", HasAllGather2D))
		return
	}
	call := Call{Op: OpAllGather2D, Pitch: pitch, Stride: stride, Width: width, Rows: rows, Flags: flags}
	c.submit(call, src, dst, s, func(srcs []device.Region[T]) error {
		gather2D(dst, srcs, call)
		return nil
	})
}

func (c *LocalComm[T]) submit(call Call, src, dst device.Region[T], s *device.Stream, work func([]device.Region[T]) error) {
	// A rank that fails validation still takes part in the round so peers see
	// an error rather than waiting forever.
	verr := checkRegions(call, c.rank, c.g.size, src, dst)
	seq := c.seq.Add(1) - 1
	metrics.RecordCollective(call.Op, call.Elements(c.g.size))
	s.LaunchOrSkip(call.Op, func() error {
		if verr != nil {
			c.g.Abort(verr)
			return verr
		}
		return c.g.exchange(seq, c.rank, call, src, work)
	}, func(err error) {
		c.g.Abort(fmt.Errorf("rank %d: %w", c.rank, err))
	})
}
