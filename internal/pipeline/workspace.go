package pipeline

import (
	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/dtype"
)

// workspace holds the scratch buffers of Step. Buffers keep their size across
// steps and are only exchanged when a step needs a different size.
type workspace[T dtype.Float] struct {
	ctx *device.Context

	decoderInput  *device.Buffer[T]
	decoderOutput *device.Buffer[T]
	lastHidden    *device.Buffer[T]
	logits        *device.Buffer[T]
	localLogits   *device.Buffer[T]

	ids            *device.Buffer[int32]
	mask           *device.Buffer[int32]
	cuBlockCounts  *device.Buffer[int32]
	localTokenNums *device.Buffer[int32]
	contextLengths *device.Buffer[int32]
	sequenceLength *device.Buffer[int32]
	outputIDs      *device.Buffer[int32]

	blockPtrs   *device.Buffer[uint64]
	randomState *device.Buffer[uint64]
	ropeTheta   *device.Buffer[float32]
	finished    *device.Buffer[bool]
	seqLimit    *device.Buffer[uint32]
}

func newWorkspace[T dtype.Float](ctx *device.Context) *workspace[T] {
	return &workspace[T]{ctx: ctx}
}

// resize makes *b hold exactly n elements, trading it through the context pool
// when the size changes.
func resize[E any](ctx *device.Context, b **device.Buffer[E], n int) {
	if *b != nil && (*b).Len() == n {
		return
	}
	if *b != nil {
		device.Put(*b)
	}
	*b = device.Get[E](ctx, n)
}

// ensure sizes every buffer for a step of tokens tokens over batch sequences
// whose sampler writes up to rows output rows. localLogits aliases logits when
// the projection gathers in place, which is fixed for a pipeline.
func (w *workspace[T]) ensure(tokens, batch, hidden, paddedVocab, rows int, inPlaceLogits bool) {
	c := w.ctx
	resize(c, &w.decoderInput, tokens*hidden)
	resize(c, &w.decoderOutput, tokens*hidden)
	resize(c, &w.lastHidden, batch*hidden)
	resize(c, &w.logits, batch*paddedVocab)
	if inPlaceLogits {
		w.localLogits = w.logits
	} else {
		resize(c, &w.localLogits, batch*paddedVocab)
	}

	resize(c, &w.ids, tokens)
	resize(c, &w.mask, tokens)
	resize(c, &w.cuBlockCounts, batch+1)
	resize(c, &w.localTokenNums, 1)
	resize(c, &w.contextLengths, batch)
	resize(c, &w.sequenceLength, batch)
	resize(c, &w.outputIDs, rows*batch)

	resize(c, &w.blockPtrs, batch)
	resize(c, &w.randomState, batch)
	resize(c, &w.ropeTheta, batch)
	resize(c, &w.finished, batch)
	resize(c, &w.seqLimit, batch)
}

func (w *workspace[T]) free() {
	if w.localLogits == w.logits {
		w.localLogits = nil
	}
	for _, b := range []*device.Buffer[T]{w.decoderInput, w.decoderOutput, w.lastHidden, w.logits, w.localLogits} {
		device.Release(b)
	}
	for _, b := range []*device.Buffer[int32]{w.ids, w.mask, w.cuBlockCounts, w.localTokenNums, w.contextLengths, w.sequenceLength, w.outputIDs} {
		device.Release(b)
	}
	device.Release(w.blockPtrs)
	device.Release(w.randomState)
	device.Release(w.ropeTheta)
	device.Release(w.finished)
	device.Release(w.seqLimit)
	*w = workspace[T]{ctx: w.ctx}
}
