// Package pipeline runs one rank's share of a tensor-parallel forward step:
// embedding assembly, external embedding overlays, the decoder call, logits
// projection and the hand-off to the sampler.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/config"
	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/metrics"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

var (
	ErrConfig  = errors.New("pipeline configuration")
	ErrOverlay = errors.New("embedding overlay out of bounds")
)

// Decoder is the transformer body. It reads inputs and writes outputs using the
// decoder tensor contract.
type Decoder interface {
	Forward(outputs, inputs *tensor.Map) error
}

// Sampler turns logits into tokens using the sampler tensor contract.
type Sampler interface {
	Forward(outputs, inputs *tensor.Map) error
}

// Weights are this rank's read-only parameters.
type Weights[T dtype.Float] struct {
	// EmbeddingTable is [vocab][H] with one rank, or this rank's [vocab][H/w]
	// column shard otherwise.
	EmbeddingTable device.Region[T]
	// OutputProjection is this rank's [paddedVocab/w][H] row shard.
	OutputProjection device.Region[T]
	OutputNormWeight device.Region[T]
}

type Pipeline[T dtype.Float] struct {
	cfg     config.Config
	ctx     *device.Context
	stream  *device.Stream
	comm    comm.Comm[T]
	weights Weights[T]
	decoder Decoder
	sampler Sampler
	log     *logger.Logger

	rank, tp    int
	hidden      int
	vocab       int
	paddedVocab int
	localVocab  int
	useGather2D bool

	ws *workspace[T]
}

// New builds a pipeline for rank c.Rank() of a c.Size()-wide group. The
// projection strategy is fixed here.
func New[T dtype.Float](cfg config.Config, ctx *device.Context, c comm.Comm[T], w Weights[T], dec Decoder, smp Sampler) (*Pipeline[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if c.Size() != cfg.TPSize || c.Rank() != cfg.TPRank {
		return nil, fmt.Errorf("%w: communicator is rank %d of %d, config says %d of %d",
			ErrConfig, c.Rank(), c.Size(), cfg.TPRank, cfg.TPSize)
	}
	if want := precisionType(cfg.GetPrecision()); want != dtype.Of[T]() {
		return nil, fmt.Errorf("%w: pipeline element type %s does not match precision %s",
			ErrConfig, dtype.Of[T](), cfg.Precision)
	}
	if dec == nil || smp == nil {
		return nil, fmt.Errorf("%w: decoder and sampler are required", ErrConfig)
	}

	p := &Pipeline[T]{
		cfg:         cfg,
		ctx:         ctx,
		stream:      ctx.Stream(),
		comm:        c,
		weights:     w,
		decoder:     dec,
		sampler:     smp,
		log:         logger.Log.With("rank", c.Rank()),
		rank:        c.Rank(),
		tp:          c.Size(),
		hidden:      cfg.HiddenUnits,
		vocab:       cfg.VocabSize,
		paddedVocab: cfg.PaddedVocabSize(),
		localVocab:  cfg.LocalVocabSize(),
	}
	if p.paddedVocab%p.tp != 0 {
		return nil, fmt.Errorf("%w: padded vocab %d not divisible by %d", ErrConfig, p.paddedVocab, p.tp)
	}
	if err := p.checkWeights(); err != nil {
		return nil, err
	}
	p.useGather2D = p.tp > 1 && cfg.EnableOverlap && c.Query(comm.HasAllGather2D)
	p.ws = newWorkspace[T](ctx)

	p.log.Info("pipeline ready",
		"tp", p.tp,
		"hidden", p.hidden,
		"vocab", p.vocab,
		"padded_vocab", p.paddedVocab,
		"precision", dtype.Of[T]().String(),
		"projection", p.strategy().String())
	return p, nil
}

func precisionType(p config.Precision) dtype.DataType {
	switch p {
	case config.PrecisionFP32:
		return dtype.TypeFP32
	case config.PrecisionBF16:
		return dtype.TypeBF16
	default:
		return dtype.TypeFP16
	}
}

func (p *Pipeline[T]) checkWeights() error {
	width := p.hidden / p.tp
	w := p.weights
	if err := w.EmbeddingTable.Valid(); err != nil || w.EmbeddingTable.Len == 0 || w.EmbeddingTable.Len%width != 0 {
		return fmt.Errorf("%w: embedding table of %d elements is not [vocab][%d]", ErrConfig, w.EmbeddingTable.Len, width)
	}
	if err := w.OutputProjection.Valid(); err != nil || w.OutputProjection.Len != p.localVocab*p.hidden {
		return fmt.Errorf("%w: output projection has %d elements, want %d", ErrConfig, w.OutputProjection.Len, p.localVocab*p.hidden)
	}
	if err := w.OutputNormWeight.Valid(); err != nil || w.OutputNormWeight.Len != p.hidden {
		return fmt.Errorf("%w: output norm weight has %d elements, want %d", ErrConfig, w.OutputNormWeight.Len, p.hidden)
	}
	return nil
}

func (p *Pipeline[T]) Rank() int { return p.rank }

// PaddedVocabSize is the logits row width.
func (p *Pipeline[T]) PaddedVocabSize() int { return p.paddedVocab }

// Close frees the step workspace.
func (p *Pipeline[T]) Close() error {
	err := p.stream.Synchronize()
	p.ws.free()
	return err
}

// check must follow every submission so a device failure is seen before
// dependent work is queued.
func (p *Pipeline[T]) check(s *device.Stream) error {
	return p.ctx.CheckStream(s)
}

// fail logs and counts a fatal step error once.
func (p *Pipeline[T]) fail(phase string, err error) error {
	var ce *tensor.ContractError
	if errors.As(err, &ce) {
		metrics.RecordContractViolation(ce.Key)
	}
	p.log.Error("step failed", "phase", phase, "error", err)
	return fmt.Errorf("rank %d %s: %w", p.rank, phase, err)
}
