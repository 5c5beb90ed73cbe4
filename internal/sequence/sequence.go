// Package sequence holds the per-request records the pipeline reads during a
// step. The pipeline never mutates them.
package sequence

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-volley/internal/dtype"
)

var ErrInvalidBatch = errors.New("invalid batch")

// Range is a half-open interval [Begin, End) of absolute token positions.
type Range struct {
	Begin int
	End   int
}

func (r Range) Len() int {
	return r.End - r.Begin
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Begin, r.End)
}

// Overlay is a block of externally supplied embedding vectors for Range, laid
// out row-major with one hidden-size row per position.
type Overlay[T dtype.Float] struct {
	Range
	Data []T
}

// Sequence is the state of one request as seen by a step.
type Sequence[T dtype.Float] struct {
	ID int64
	// CacheLen is the number of positions already held in the KV cache.
	CacheLen int
	// Embeddings are kept sorted by Begin.
	Embeddings []Overlay[T]
}

// Validate checks that overlays are sorted, disjoint, non-empty and carry
// hidden values per position.
func (s *Sequence[T]) Validate(hidden int) error {
	if s.CacheLen < 0 {
		return fmt.Errorf("sequence %d: negative cache length %d", s.ID, s.CacheLen)
	}
	for i, e := range s.Embeddings {
		if e.Begin < 0 || e.End <= e.Begin {
			return fmt.Errorf("sequence %d: embedding %d has invalid range %s", s.ID, i, e.Range)
		}
		if len(e.Data) != e.Len()*hidden {
			return fmt.Errorf("sequence %d: embedding %d holds %d values, want %d", s.ID, i, len(e.Data), e.Len()*hidden)
		}
		if i > 0 && e.Begin < s.Embeddings[i-1].End {
			return fmt.Errorf("sequence %d: embedding %d %s overlaps or precedes %s", s.ID, i, e.Range, s.Embeddings[i-1].Range)
		}
	}
	return nil
}

// Batch describes one step. Decode sequences come first, prefill sequences
// follow.
type Batch struct {
	// InputLengths is the number of new tokens per sequence this step.
	InputLengths []int
	// ContextLengths is the total length per sequence including this step.
	ContextLengths []int
	DecodeCount    int
	PrefillCount   int
}

func (b *Batch) Size() int {
	return b.DecodeCount + b.PrefillCount
}

// TokenNum is the number of tokens assembled this step.
func (b *Batch) TokenNum() int {
	n := 0
	for _, l := range b.InputLengths[:b.Size()] {
		n += l
	}
	return n
}

// MaxInputLength is the longest InputLengths entry.
func (b *Batch) MaxInputLength() int {
	m := 0
	for _, l := range b.InputLengths[:b.Size()] {
		m = max(m, l)
	}
	return m
}

func (b *Batch) Validate() error {
	n := b.Size()
	if b.DecodeCount < 0 || b.PrefillCount < 0 || n == 0 {
		return fmt.Errorf("%w: %d decode + %d prefill sequences", ErrInvalidBatch, b.DecodeCount, b.PrefillCount)
	}
	if len(b.InputLengths) < n || len(b.ContextLengths) < n {
		return fmt.Errorf("%w: %d sequences but %d input and %d context lengths",
			ErrInvalidBatch, n, len(b.InputLengths), len(b.ContextLengths))
	}
	for i := 0; i < n; i++ {
		in, ctx := b.InputLengths[i], b.ContextLengths[i]
		if in <= 0 || ctx < in {
			return fmt.Errorf("%w: sequence %d has input length %d and context length %d", ErrInvalidBatch, i, in, ctx)
		}
	}
	return nil
}
