package pipeline

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/metrics"
	"github.com/23skdu/longbow-volley/internal/sequence"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

// ForwardArgs are the buffers of one unified forward call. Regions are device
// memory; Batch and Sequences live on the host.
type ForwardArgs[T dtype.Float] struct {
	// LastTokenHidden receives [batch][H] hidden states of each sequence's
	// last token.
	LastTokenHidden device.Region[T]
	// DecoderOutput is [tokenNum][H]. With more than one rank it also serves as
	// the gather buffer during assembly.
	DecoderOutput device.Region[T]
	DecoderInput  device.Region[T]

	BlockPtrs      device.Region[uint64]
	CuBlockCounts  device.Region[int32]
	InputIDs       device.Region[int32]
	RopeTheta      device.Region[float32]
	Finished       device.Region[bool]
	LocalTokenNums device.Region[int32]
	// Mask is optional. When set it receives 1 for every overlaid position.
	Mask device.Region[int32]

	Batch     *sequence.Batch
	Sequences []*sequence.Sequence[T]
}

func (a *ForwardArgs[T]) validate(hidden int) error {
	if a.Batch == nil {
		return fmt.Errorf("%w: missing batch", ErrConfig)
	}
	if err := a.Batch.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if len(a.Sequences) < a.Batch.Size() {
		return fmt.Errorf("%w: %d sequences for a batch of %d", ErrConfig, len(a.Sequences), a.Batch.Size())
	}
	tokens := a.Batch.TokenNum() * hidden
	if a.DecoderInput.Len < tokens || a.DecoderOutput.Len < tokens {
		return fmt.Errorf("%w: decoder buffers hold %d/%d elements, need %d",
			ErrConfig, a.DecoderInput.Len, a.DecoderOutput.Len, tokens)
	}
	if a.Mask.Buf != nil && a.Mask.Len < a.Batch.TokenNum() {
		return fmt.Errorf("%w: mask holds %d tokens, need %d", ErrConfig, a.Mask.Len, a.Batch.TokenNum())
	}
	return nil
}

// ForwardUnified assembles embeddings for every token of the batch, applies
// external overlays and runs the decoder.
func (p *Pipeline[T]) ForwardUnified(a ForwardArgs[T]) error {
	start := time.Now()
	if err := a.validate(p.hidden); err != nil {
		return p.fail("forward", err)
	}
	b := a.Batch
	bsz := b.Size()
	tokenNum := b.TokenNum()

	if tokenNum > 0 {
		if err := p.assembleEmbeddings(a.DecoderInput, a.DecoderOutput, a.InputIDs, tokenNum); err != nil {
			return p.fail("assemble", err)
		}
	}

	haveEmbeddings := false
	if tokenNum > 0 {
		var err error
		haveEmbeddings, err = p.updateEmbedding(a.DecoderInput, b.InputLengths[:bsz], a.Sequences, tokenNum, a.Mask)
		if err != nil {
			return p.fail("overlay", err)
		}
	}

	prec := dtype.Of[T]()
	h := p.hidden
	inputs := tensor.NewMap(
		tensor.Entry{Key: tensor.KeyDecoderInput, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: prec, Shape: []int{tokenNum, h}, Data: a.DecoderInput}},
		tensor.Entry{Key: tensor.KeyOutputNormWeight, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: prec, Shape: []int{h}, Data: p.weights.OutputNormWeight}},
		tensor.Entry{Key: tensor.KeyQueryLengths, Tensor: tensor.Tensor{Where: tensor.MemoryCPU, Type: dtype.TypeInt32, Shape: []int{bsz}, Data: toInt32(b.InputLengths[:bsz])}},
		tensor.Entry{Key: tensor.KeyKeyLengths, Tensor: tensor.Tensor{Where: tensor.MemoryCPU, Type: dtype.TypeInt32, Shape: []int{bsz}, Data: toInt32(b.ContextLengths[:bsz])}},
		tensor.Entry{Key: tensor.KeyFinished, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: dtype.TypeBool, Shape: []int{bsz}, Data: a.Finished}},
		tensor.Entry{Key: tensor.KeyDecodeBatchSize, Tensor: tensor.Tensor{Where: tensor.MemoryCPU, Type: dtype.TypeInt32, Shape: []int{1}, Data: []int32{int32(b.DecodeCount)}}},
		tensor.Entry{Key: tensor.KeyPrefillBatchSize, Tensor: tensor.Tensor{Where: tensor.MemoryCPU, Type: dtype.TypeInt32, Shape: []int{1}, Data: []int32{int32(b.PrefillCount)}}},
		tensor.Entry{Key: tensor.KeyRopeTheta, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: dtype.TypeFP32, Shape: []int{bsz}, Data: a.RopeTheta}},
		tensor.Entry{Key: tensor.KeyCuBlockCounts, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: dtype.TypeInt32, Shape: []int{bsz}, Data: a.CuBlockCounts}},
		tensor.Entry{Key: tensor.KeyLocalTokenNums, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: dtype.TypeInt32, Shape: []int{1}, Data: a.LocalTokenNums}},
	)
	if a.Mask.Buf != nil && haveEmbeddings {
		if err := inputs.Insert(tensor.KeyLoraMask, tensor.Tensor{Where: tensor.MemoryGPU, Type: dtype.TypeInt32, Shape: []int{tokenNum}, Data: a.Mask}); err != nil {
			return p.fail("forward", err)
		}
	}

	outputs := tensor.NewMap(
		tensor.Entry{Key: tensor.KeyDecoderOutput, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: prec, Shape: []int{tokenNum, h}, Data: a.DecoderOutput}},
		tensor.Entry{Key: tensor.KeyBlockPtrs, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: dtype.TypeUint64, Shape: []int{bsz}, Data: a.BlockPtrs}},
		tensor.Entry{Key: tensor.KeyLastTokenHidden, Tensor: tensor.Tensor{Where: tensor.MemoryGPU, Type: prec, Shape: []int{bsz, h}, Data: a.LastTokenHidden}},
	)

	if err := p.decoder.Forward(outputs, inputs); err != nil {
		return p.fail("decoder", err)
	}
	metrics.RecordPhase("forward", p.rank, time.Since(start))
	if p.log.DebugEnabled() {
		p.log.Debug("forward",
			"decode", b.DecodeCount,
			"prefill", b.PrefillCount,
			"tokens", tokenNum,
			"overlay_mask", haveEmbeddings)
	}
	return nil
}

func toInt32(v []int) []int32 {
	out := make([]int32, len(v))
	for i, x := range v {
		out[i] = int32(x)
	}
	return out
}
