// Package cluster runs every rank of a tensor-parallel group in one process,
// one goroutine per rank, over the in-process collective group.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/config"
	"github.com/23skdu/longbow-volley/internal/decoder"
	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/pipeline"
	"github.com/23skdu/longbow-volley/internal/sampling"
	"github.com/23skdu/longbow-volley/internal/sequence"
)

// ErrDiverged means ranks sampled different tokens for the same step.
var ErrDiverged = errors.New("ranks diverged")

type Options struct {
	Sampling sampling.Config
	Group    []comm.GroupOption
}

type rank[T dtype.Float] struct {
	ctx  *device.Context
	dec  *decoder.Reference[T]
	pipe *pipeline.Pipeline[T]
}

type Cluster[T dtype.Float] struct {
	cfg   config.Config
	group *comm.Group[T]
	ranks []*rank[T]
	log   *logger.Logger
}

// New builds cfg.TPSize ranks serving m, each with a reference decoder and
// sampler. cfg.TPRank is ignored.
func New[T dtype.Float](cfg config.Config, m *Model, opts Options) (*Cluster[T], error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Vocab != cfg.VocabSize || m.Hidden != cfg.HiddenUnits {
		return nil, fmt.Errorf("%w: model is %dx%d, config says %dx%d",
			pipeline.ErrConfig, m.Vocab, m.Hidden, cfg.VocabSize, cfg.HiddenUnits)
	}
	c := &Cluster[T]{
		cfg:   cfg,
		group: comm.NewGroup[T](cfg.TPSize, opts.Group...),
		log:   logger.Log.With("tp", cfg.TPSize),
	}
	for r := 0; r < cfg.TPSize; r++ {
		rcfg := cfg
		rcfg.TPRank = r
		if err := rcfg.Validate(); err != nil {
			c.Close()
			return nil, fmt.Errorf("%w: %w", pipeline.ErrConfig, err)
		}
		ctx := device.NewContext(r, device.WithSyncCheck(cfg.SyncCheck))
		dec := decoder.NewReference[T](ctx.Stream(), cfg.HiddenUnits, cfg.NormEps)
		smp := sampling.New[T](ctx.Stream(), opts.Sampling)
		p, err := pipeline.New[T](rcfg, ctx, c.group.Comm(r), shard[T](ctx, m, rcfg), dec, smp)
		if err != nil {
			ctx.Free()
			c.Close()
			return nil, err
		}
		c.ranks = append(c.ranks, &rank[T]{ctx: ctx, dec: dec, pipe: p})
	}
	return c, nil
}

func (c *Cluster[T]) Size() int {
	return len(c.ranks)
}

// Pipeline returns rank r's pipeline.
func (c *Cluster[T]) Pipeline(r int) *pipeline.Pipeline[T] {
	return c.ranks[r].pipe
}

// Context returns rank r's device.
func (c *Cluster[T]) Context(r int) *device.Context {
	return c.ranks[r].ctx
}

// Run calls fn for every rank on its own goroutine. The first failure aborts
// the collective group, so ranks blocked in a collective fail instead of
// waiting for the failed rank. An aborted cluster can only be closed.
func (c *Cluster[T]) Run(ctx context.Context, fn func(ctx context.Context, rank int, p *pipeline.Pipeline[T]) error) error {
	if err := ctx.Err(); err != nil {
		c.group.Abort(err)
		return err
	}
	stop := context.AfterFunc(ctx, func() { c.group.Abort(context.Cause(ctx)) })
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for r, rk := range c.ranks {
		g.Go(func() error {
			err := fn(gctx, r, rk.pipe)
			if err != nil {
				c.group.Abort(fmt.Errorf("rank %d: %w", r, err))
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Error("cluster step failed", "error", err)
		return err
	}
	return nil
}

// Step runs a on every rank and returns each rank's result. Every rank must
// sample the same tokens.
func (c *Cluster[T]) Step(ctx context.Context, a pipeline.StepArgs[T]) ([]*pipeline.StepResult, error) {
	results := make([]*pipeline.StepResult, len(c.ranks))
	err := c.Run(ctx, func(_ context.Context, r int, p *pipeline.Pipeline[T]) error {
		res, err := p.Step(a)
		results[r] = res
		return err
	})
	if err != nil {
		return nil, err
	}
	for r := 1; r < len(results); r++ {
		if !slices.Equal(results[r].Tokens, results[0].Tokens) {
			return nil, fmt.Errorf("%w: rank 0 sampled %v, rank %d sampled %v", ErrDiverged, results[0].Tokens, r, results[r].Tokens)
		}
	}
	return results, nil
}

// Generate prefills every prompt in one step and then decodes up to maxNew
// tokens per sequence, feeding each sampled token back. seqs[i] belongs to
// prompts[i]; its CacheLen is advanced as the sequence grows. A sequence
// finishes when it samples endID (negative disables it) or reaches its limit.
// Its output ends with that token and later steps pass it as finished.
// Generation stops early once every sequence is finished.
func (c *Cluster[T]) Generate(ctx context.Context, seqs []*sequence.Sequence[T], prompts [][]int32, maxNew int, endID int32, mask bool) ([][]int32, error) {
	n := len(prompts)
	if n == 0 || len(seqs) != n {
		return nil, fmt.Errorf("%w: %d prompts for %d sequences", pipeline.ErrConfig, n, len(seqs))
	}
	limits := make([]uint32, n)
	lengths := make([]int, n)
	var ids []int32
	for i, p := range prompts {
		if len(p) == 0 {
			return nil, fmt.Errorf("%w: prompt %d is empty", pipeline.ErrConfig, i)
		}
		lengths[i] = len(p)
		limits[i] = uint32(len(p) + maxNew)
		seqs[i].CacheLen = 0
		ids = append(ids, p...)
	}

	out := make([][]int32, n)
	finished := make([]bool, n)
	batch := sequence.Batch{
		InputLengths:   slices.Clone(lengths),
		ContextLengths: slices.Clone(lengths),
		PrefillCount:   n,
	}
	for step := 0; step < maxNew; step++ {
		res, err := c.Step(ctx, pipeline.StepArgs[T]{
			Batch:         batch,
			InputIDs:      ids,
			Sequences:     seqs,
			SequenceLimit: limits,
			Finished:      finished,
			Mask:          mask,
		})
		if err != nil {
			return out, fmt.Errorf("generate step %d: %w", step, err)
		}
		tokens := res[0].Tokens
		done := true
		for i := range out {
			seqs[i].CacheLen = lengths[i]
			lengths[i]++
			if finished[i] {
				continue
			}
			out[i] = append(out[i], tokens[i])
			finished[i] = res[0].Finished[i] || (endID >= 0 && tokens[i] == endID)
			done = done && finished[i]
		}
		if done || res[0].ShouldStop {
			break
		}
		ids = tokens
		batch = sequence.Batch{
			InputLengths:   slices.Repeat([]int{1}, n),
			ContextLengths: slices.Clone(lengths),
			DecodeCount:    n,
		}
	}
	return out, nil
}

// Close frees every rank.
func (c *Cluster[T]) Close() error {
	var errs []error
	for _, rk := range c.ranks {
		if err := rk.pipe.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := rk.ctx.Free(); err != nil {
			errs = append(errs, err)
		}
	}
	c.ranks = nil
	return errors.Join(errs...)
}
