package pipeline

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/metrics"
)

type strategy int

const (
	strategySingle strategy = iota
	strategySharded
	strategyOverlapped
)

func (s strategy) String() string {
	switch s {
	case strategySingle:
		return "single"
	case strategySharded:
		return "sharded"
	case strategyOverlapped:
		return "overlapped"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

func (p *Pipeline[T]) strategy() strategy {
	switch {
	case p.tp == 1:
		return strategySingle
	case p.useGather2D:
		return strategyOverlapped
	default:
		return strategySharded
	}
}

// Strategy names the projection strategy: single, sharded or overlapped.
func (p *Pipeline[T]) Strategy() string {
	return p.strategy().String()
}

// OverlapsProjection reports whether logits are projected in stages with the
// gather of one stage overlapping the next stage's matrix multiply. Callers
// must then pass the same region as logits and localLogits.
func (p *Pipeline[T]) OverlapsProjection() bool {
	return p.strategy() == strategyOverlapped
}

// stageSize splits batch rows into at most maxStages stages of at least
// min(batch, minTokens) rows.
func stageSize(batch, minTokens, maxStages int) int {
	return max(min(batch, minTokens), (batch+maxStages-1)/maxStages)
}

// PostDecodeEmbedding projects batchSize hidden states in hidden to logits of
// width PaddedVocabSize on every rank. With the plain sharded strategy
// localLogits is scratch distinct from logits; with the overlapped strategy
// both must be the same region.
func (p *Pipeline[T]) PostDecodeEmbedding(logits, localLogits, hidden device.Region[T], batchSize int) error {
	if batchSize == 0 {
		return nil
	}
	start := time.Now()
	s := p.stream
	pv, lv := p.paddedVocab, p.localVocab

	if hidden.Len < batchSize*p.hidden || logits.Len < batchSize*pv {
		return p.fail("projection", fmt.Errorf("%w: hidden holds %d and logits %d elements for a batch of %d",
			ErrConfig, hidden.Len, logits.Len, batchSize))
	}

	stages := 1
	strat := p.strategy()
	switch strat {
	case strategySingle:
		p.gemm(logits, pv, hidden, 0, batchSize)
		if err := p.check(s); err != nil {
			return p.fail("projection", err)
		}

	case strategySharded:
		if logits.Same(localLogits) {
			return p.fail("projection", fmt.Errorf("%w: sharded projection needs distinct logits and scratch", ErrConfig))
		}
		slice := batchSize * lv
		shard := localLogits.Sub(p.rank*slice, slice)
		p.gemm(shard, lv, hidden, 0, batchSize)
		if err := p.check(s); err != nil {
			return p.fail("projection", err)
		}
		p.comm.AllGather(shard, localLogits.Sub(0, p.tp*slice), slice, s)
		if err := p.check(s); err != nil {
			return p.fail("projection", err)
		}
		device.TransposeAxis01(s, logits, localLogits, p.tp, batchSize, lv)
		if err := p.check(s); err != nil {
			return p.fail("projection", err)
		}

	case strategyOverlapped:
		if !logits.Same(localLogits) {
			return p.fail("projection", fmt.Errorf("%w: overlapped projection gathers in place", ErrConfig))
		}
		var err error
		if stages, err = p.projectOverlapped(logits, hidden, batchSize); err != nil {
			return p.fail("projection", err)
		}
	}

	if p.cfg.AnomalyLevel > 1 {
		device.ReportStats(s, logits.Sub(0, batchSize*pv), "logits")
		if err := p.check(s); err != nil {
			return p.fail("projection", err)
		}
	}

	metrics.RecordProjection(strat.String(), stages)
	metrics.RecordPhase("projection", p.rank, time.Since(start))
	if p.log.DebugEnabled() {
		p.log.Debug("projection", "strategy", strat.String(), "batch", batchSize, "stages", stages)
	}
	return nil
}

// gemm computes rows [first, first+n) of hidden times this rank's projection
// shard into c with row stride ldc.
func (p *Pipeline[T]) gemm(c device.Region[T], ldc int, hidden device.Region[T], first, n int) {
	device.Gemm(p.stream, c, ldc, hidden.Sub(first*p.hidden, n*p.hidden), p.weights.OutputProjection, n, p.localVocab, p.hidden)
}

func (p *Pipeline[T]) projectOverlapped(logits, hidden device.Region[T], batchSize int) (int, error) {
	pv, lv := p.paddedVocab, p.localVocab
	step := stageSize(batchSize, p.cfg.MinStageTokens, p.cfg.MaxStages)

	scope := p.acquireOverlap(step < batchSize)
	defer scope.release()

	stages := 0
	for first := 0; first < batchSize; first += step {
		n := min(first+step, batchSize) - first
		src := logits.Sub(first*pv+p.rank*lv, (n-1)*pv+lv)

		p.gemm(src, pv, hidden, first, n)
		if err := p.check(p.stream); err != nil {
			return stages, err
		}
		scope.handoff()
		p.comm.AllGather2D(src, logits.Sub(first*pv, n*pv), pv, lv, lv, n,
			comm.StageFlags{First: first == 0, Last: first+n == batchSize}, scope.comm)
		if err := p.check(scope.comm); err != nil {
			return stages, err
		}
		stages++
	}
	return stages, nil
}

// overlapScope owns the secondary stream and event of an overlapped
// projection. When the batch is a single stage it owns nothing and gathers run
// on the primary stream.
type overlapScope struct {
	primary *device.Stream
	comm    *device.Stream
	event   *device.Event
}

func (p *Pipeline[T]) acquireOverlap(split bool) *overlapScope {
	o := &overlapScope{primary: p.stream, comm: p.stream}
	if split {
		o.comm = p.ctx.NewStream()
		o.event = p.ctx.NewEvent()
	}
	return o
}

func (o *overlapScope) split() bool {
	return o.comm != o.primary
}

// handoff orders the next gather after everything already queued on the
// primary stream.
func (o *overlapScope) handoff() {
	if o.split() {
		o.primary.Record(o.event)
		o.comm.WaitEvent(o.event)
	}
}

// release makes the primary stream wait for all gathers and destroys the
// secondary stream and event. It runs on every exit path; a gather failure
// reaches the primary stream through the event.
func (o *overlapScope) release() {
	if !o.split() {
		return
	}
	o.comm.Record(o.event)
	o.primary.WaitEvent(o.event)
	o.event.Destroy()
	o.comm.Destroy()
	o.comm = o.primary
}
