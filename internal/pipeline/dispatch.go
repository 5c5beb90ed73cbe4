package pipeline

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/metrics"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

// DecodeArgs are the buffers of one sampling call.
type DecodeArgs[T dtype.Float] struct {
	// Logits is [batch][PaddedVocabSize].
	Logits device.Region[T]
	// OutputIDs is [TokenIDsLen][batch]; the sampler writes row Step.
	OutputIDs      device.Region[int32]
	Finished       device.Region[bool]
	SequenceLength device.Region[int32]
	// ShouldStop is a one element host flag set by the sampler.
	ShouldStop  []bool
	RandomState device.Region[uint64]

	SequenceLimitLength device.Region[uint32]
	// ContextLengths is [batch] input lengths seen by the sampler.
	ContextLengths device.Region[int32]

	Step          int
	Ite           int
	MaxContextLen int
	TokenIDsLen   int
	BatchSize     int
}

// DynamicDecode hands logits to the sampler. Optional sampler inputs and
// outputs are forwarded only when the caller's maps hold them; either map may
// be nil.
func (p *Pipeline[T]) DynamicDecode(a DecodeArgs[T], inputs, outputs *tensor.Map) error {
	start := time.Now()
	bs := a.BatchSize
	if bs <= 0 || len(a.ShouldStop) != 1 {
		return p.fail("decode", fmt.Errorf("%w: batch %d with %d stop flags", ErrConfig, bs, len(a.ShouldStop)))
	}

	in := tensor.NewMap(
		tensor.Entry{Key: tensor.KeyLogits, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: dtype.Of[T](), Shape: []int{bs, 1, p.paddedVocab}, Data: a.Logits}},
		tensor.Entry{Key: tensor.KeyStep, Tensor: tensor.Tensor{Where: tensor.MemoryCPU, Type: dtype.TypeInt32, Shape: []int{1}, Data: []int32{int32(a.Step)}}},
		tensor.Entry{Key: tensor.KeyMaxInputLength, Tensor: tensor.Tensor{Where: tensor.MemoryCPU, Type: dtype.TypeInt32, Shape: []int{1}, Data: []int32{int32(a.MaxContextLen)}}},
		tensor.Entry{Key: tensor.KeySequenceLimitLength, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: dtype.TypeUint32, Shape: []int{bs}, Data: a.SequenceLimitLength}},
		tensor.Entry{Key: tensor.KeyInputLengths, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: dtype.TypeInt32, Shape: []int{bs, 1}, Data: a.ContextLengths}},
		tensor.Entry{Key: tensor.KeyIte, Tensor: tensor.Tensor{Where: tensor.MemoryCPU, Type: dtype.TypeUint32, Shape: []int{1}, Data: []uint32{uint32(a.Ite)}}},
		tensor.Entry{Key: tensor.KeyLocalBatchSize, Tensor: tensor.Tensor{Where: tensor.MemoryCPU, Type: dtype.TypeInt32, Shape: []int{1}, Data: []int32{int32(bs)}}},
		tensor.Entry{Key: tensor.KeyVocabSize, Tensor: tensor.Tensor{Where: tensor.MemoryCPU, Type: dtype.TypeInt32, Shape: []int{1}, Data: []int32{int32(p.vocab)}}},
	)
	if inputs != nil {
		if err := inputs.CopyPresent(in, tensor.OptionalSamplerInputs); err != nil {
			return p.fail("decode", err)
		}
	}

	out := tensor.NewMap(
		tensor.Entry{Key: tensor.KeyOutputIDs, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: dtype.TypeInt32, Shape: []int{a.TokenIDsLen, bs, 1}, Data: a.OutputIDs}},
		tensor.Entry{Key: tensor.KeyFinished, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: dtype.TypeBool, Shape: []int{bs}, Data: a.Finished}},
		tensor.Entry{Key: tensor.KeySequenceLength, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: dtype.TypeInt32, Shape: []int{bs}, Data: a.SequenceLength}},
		tensor.Entry{Key: tensor.KeyShouldStop, Tensor: tensor.Tensor{Where: tensor.MemoryCPU, Type: dtype.TypeBool, Shape: []int{1}, Data: a.ShouldStop}},
		tensor.Entry{Key: tensor.KeyRandomState, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: dtype.TypeUint64, Shape: []int{bs}, Data: a.RandomState}},
	)
	if outputs != nil {
		if err := outputs.CopyPresent(out, tensor.OptionalSamplerOutputs); err != nil {
			return p.fail("decode", err)
		}
	}

	if err := p.sampler.Forward(out, in); err != nil {
		return p.fail("sampler", err)
	}
	metrics.RecordPhase("decode", p.rank, time.Since(start))
	return nil
}
