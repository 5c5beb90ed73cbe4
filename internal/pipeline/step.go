package pipeline

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/metrics"
	"github.com/23skdu/longbow-volley/internal/sequence"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

// StepArgs describe one batched step from the host side.
type StepArgs[T dtype.Float] struct {
	Batch     sequence.Batch
	InputIDs  []int32
	Sequences []*sequence.Sequence[T]
	// Step is the output row the sampler writes.
	Step int
	// SequenceLimit caps each sequence's length; nil means unlimited.
	SequenceLimit []uint32
	// Finished carries the flags of the previous step; nil means none finished.
	Finished []bool
	// Mask requests the per-token overlay mask for the decoder.
	Mask bool
	// KeepLogits copies the projected logits into the result.
	KeepLogits bool

	// Caller maps holding optional sampler keys. Either may be nil.
	SamplerInputs  *tensor.Map
	SamplerOutputs *tensor.Map
}

type StepResult struct {
	Tokens     []int32
	Finished   []bool
	ShouldStop bool
	// Logits is [batch][PaddedVocabSize], only set with KeepLogits.
	Logits []float32
}

// Step runs ForwardUnified, PostDecodeEmbedding and DynamicDecode over the
// pipeline's own scratch buffers and waits for the sampled tokens.
func (p *Pipeline[T]) Step(a StepArgs[T]) (*StepResult, error) {
	start := time.Now()
	b := &a.Batch
	if err := b.Validate(); err != nil {
		return nil, p.fail("step", fmt.Errorf("%w: %w", ErrConfig, err))
	}
	bsz, tokenNum := b.Size(), b.TokenNum()
	if len(a.InputIDs) != tokenNum {
		return nil, p.fail("step", fmt.Errorf("%w: %d input ids for %d tokens", ErrConfig, len(a.InputIDs), tokenNum))
	}
	if a.SequenceLimit != nil && len(a.SequenceLimit) < bsz {
		return nil, p.fail("step", fmt.Errorf("%w: %d sequence limits for %d sequences", ErrConfig, len(a.SequenceLimit), bsz))
	}
	if a.Finished != nil && len(a.Finished) < bsz {
		return nil, p.fail("step", fmt.Errorf("%w: %d finished flags for %d sequences", ErrConfig, len(a.Finished), bsz))
	}
	if a.Step < 0 {
		return nil, p.fail("step", fmt.Errorf("%w: negative step %d", ErrConfig, a.Step))
	}

	rows := a.Step + 1
	w := p.ws
	w.ensure(tokenNum, bsz, p.hidden, p.paddedVocab, rows, p.OverlapsProjection())

	s := p.stream
	device.CopyFromHost(s, w.ids.All(), a.InputIDs)
	device.CopyFromHost(s, w.contextLengths.All(), toInt32(b.ContextLengths[:bsz]))
	device.CopyFromHost(s, w.localTokenNums.All(), []int32{int32(tokenNum)})
	device.Fill(s, w.ropeTheta.All(), p.cfg.RopeTheta)
	if a.Finished != nil {
		device.CopyFromHost(s, w.finished.All(), a.Finished[:bsz])
	} else {
		device.Fill(s, w.finished.All(), false)
	}
	device.Fill(s, w.cuBlockCounts.All(), 0)
	device.Fill(s, w.blockPtrs.All(), 0)
	if a.SequenceLimit != nil {
		device.CopyFromHost(s, w.seqLimit.All(), a.SequenceLimit[:bsz])
	} else {
		device.Fill(s, w.seqLimit.All(), math.MaxUint32)
	}
	if err := p.check(s); err != nil {
		return nil, p.fail("step", err)
	}

	fwd := ForwardArgs[T]{
		LastTokenHidden: w.lastHidden.All(),
		DecoderOutput:   w.decoderOutput.All(),
		DecoderInput:    w.decoderInput.All(),
		BlockPtrs:       w.blockPtrs.All(),
		CuBlockCounts:   w.cuBlockCounts.All(),
		InputIDs:        w.ids.All(),
		RopeTheta:       w.ropeTheta.All(),
		Finished:        w.finished.All(),
		LocalTokenNums:  w.localTokenNums.All(),
		Batch:           b,
		Sequences:       a.Sequences,
	}
	if a.Mask {
		device.Fill(s, w.mask.All(), 0)
		fwd.Mask = w.mask.All()
	}
	if err := p.ForwardUnified(fwd); err != nil {
		return nil, err
	}

	if err := p.PostDecodeEmbedding(w.logits.All(), w.localLogits.All(), w.lastHidden.All(), bsz); err != nil {
		return nil, err
	}

	shouldStop := []bool{false}
	dec := DecodeArgs[T]{
		Logits:              w.logits.All(),
		OutputIDs:           w.outputIDs.All(),
		Finished:            w.finished.All(),
		SequenceLength:      w.sequenceLength.All(),
		ShouldStop:          shouldStop,
		RandomState:         w.randomState.All(),
		SequenceLimitLength: w.seqLimit.All(),
		ContextLengths:      w.contextLengths.All(),
		Step:                a.Step,
		MaxContextLen:       maxOf(b.ContextLengths[:bsz]),
		TokenIDsLen:         rows,
		BatchSize:           bsz,
	}
	if err := p.DynamicDecode(dec, a.SamplerInputs, a.SamplerOutputs); err != nil {
		return nil, err
	}

	if err := s.Synchronize(); err != nil {
		return nil, p.fail("step", err)
	}

	res := &StepResult{
		Tokens:     w.outputIDs.Region(a.Step*bsz, bsz).ToHost(),
		Finished:   w.finished.All().ToHost(),
		ShouldStop: shouldStop[0],
	}
	if a.KeepLogits {
		res.Logits = make([]float32, bsz*p.paddedVocab)
		dtype.ToFloat32(res.Logits, w.logits.Region(0, bsz*p.paddedVocab).Slice())
	}

	metrics.RecordStep(p.rank, tokenNum, bsz, time.Since(start))
	metrics.RecordSampled(bsz)
	return res, nil
}

func maxOf(v []int) int {
	m := 0
	for _, x := range v {
		m = max(m, x)
	}
	return m
}
