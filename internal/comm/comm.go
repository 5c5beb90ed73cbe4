// Package comm defines the collective operations the pipeline issues across a
// tensor-parallel group and provides an in-process group for simulated devices.
package comm

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-volley/internal/device"
)

var (
	ErrCollectiveMismatch = errors.New("collective mismatch")
	ErrAborted            = errors.New("collective group aborted")
	ErrTimeout            = errors.New("collective timed out")
)

type Capability int

const (
	// HasAllGather2D reports support for gathering strided row blocks.
	HasAllGather2D Capability = iota
)

func (c Capability) String() string {
	switch c {
	case HasAllGather2D:
		return "all_gather_2d"
	default:
		return fmt.Sprintf("Capability(%d)", int(c))
	}
}

// StageFlags tell a pipelined collective which stage of a sequence it is.
type StageFlags struct {
	First bool
	Last  bool
}

// Comm is one rank's handle on a collective group. Every rank must issue the
// same collectives in the same order with the same shapes. Calls are queued on
// the given stream and complete in stream order.
type Comm[T any] interface {
	Rank() int
	Size() int
	Query(Capability) bool

	// AllGather collects count elements from every rank's src into dst, rank
	// r's contribution landing at dst[r*count]. src may alias that slot.
	AllGather(src, dst device.Region[T], count int, s *device.Stream)

	// AllGather2D collects a rows x width block from every rank. Rows are pitch
	// elements apart in both src and dst; rank r's block lands at column
	// r*stride of dst.
	AllGather2D(src, dst device.Region[T], pitch, stride, width, rows int, flags StageFlags, s *device.Stream)
}

// Call is the shape of one collective as seen by a rank.
type Call struct {
	Op     string
	Count  int
	Pitch  int
	Stride int
	Width  int
	Rows   int
	Flags  StageFlags
}

func (c Call) String() string {
	if c.Op == OpAllGather {
		return fmt.Sprintf("%s(count=%d)", c.Op, c.Count)
	}
	return fmt.Sprintf("%s(pitch=%d stride=%d width=%d rows=%d first=%t last=%t)",
		c.Op, c.Pitch, c.Stride, c.Width, c.Rows, c.Flags.First, c.Flags.Last)
}

// Elements is how many elements a rank receives.
func (c Call) Elements(size int) int {
	if c.Op == OpAllGather {
		return c.Count * size
	}
	return c.Width * c.Rows * size
}

const (
	OpAllGather   = "all_gather"
	OpAllGather2D = "all_gather_2d"
)

// CompareTraces checks that every rank recorded the same collective sequence.
func CompareTraces(traces [][]Call) error {
	if len(traces) < 2 {
		return nil
	}
	ref := traces[0]
	for rank, tr := range traces[1:] {
		rank++
		n := min(len(ref), len(tr))
		for i := 0; i < n; i++ {
			if ref[i] != tr[i] {
				return fmt.Errorf("%w: call %d is %s on rank 0 but %s on rank %d",
					ErrCollectiveMismatch, i, ref[i], tr[i], rank)
			}
		}
		if len(ref) != len(tr) {
			return fmt.Errorf("%w: rank 0 issued %d collectives, rank %d issued %d",
				ErrCollectiveMismatch, len(ref), rank, len(tr))
		}
	}
	return nil
}

func gather1D[T any](dst device.Region[T], srcs []device.Region[T], count int) {
	out := dst.Slice()
	for q, src := range srcs {
		if src.Same(dst.Sub(q*count, count)) {
			continue
		}
		copy(out[q*count:(q+1)*count], src.Slice()[:count])
	}
}

func gather2D[T any](dst device.Region[T], srcs []device.Region[T], c Call) {
	out := dst.Slice()
	for q, src := range srcs {
		if src.Same(dst.Sub(q*c.Stride, 0)) {
			continue
		}
		in := src.Slice()
		for i := 0; i < c.Rows; i++ {
			o := i*c.Pitch + q*c.Stride
			copy(out[o:o+c.Width], in[i*c.Pitch:i*c.Pitch+c.Width])
		}
	}
}

func checkRegions[T any](c Call, rank, size int, src, dst device.Region[T]) error {
	var srcNeed, dstNeed int
	switch c.Op {
	case OpAllGather:
		srcNeed, dstNeed = c.Count, c.Count*size
	default:
		if c.Rows == 0 {
			return nil
		}
		if c.Width > c.Pitch || (size-1)*c.Stride+c.Width > c.Pitch {
			return fmt.Errorf("%w: width %d stride %d exceed pitch %d", device.ErrInvalidRegion, c.Width, c.Stride, c.Pitch)
		}
		srcNeed = (c.Rows-1)*c.Pitch + c.Width
		dstNeed = (c.Rows-1)*c.Pitch + (size-1)*c.Stride + c.Width
	}
	if err := src.Valid(); err != nil {
		return err
	}
	if err := dst.Valid(); err != nil {
		return err
	}
	if src.Len < srcNeed || dst.Len < dstNeed {
		return fmt.Errorf("%w: rank %d %s needs src %d dst %d, have %d and %d",
			device.ErrInvalidRegion, rank, c.Op, srcNeed, dstNeed, src.Len, dst.Len)
	}
	return nil
}
