package pipeline

import (
	"github.com/23skdu/longbow-volley/internal/device"
)

// assembleEmbeddings writes tokenNum x H input embeddings into input. With more
// than one rank each rank looks up its H/w columns into its slot of output,
// the slots are gathered on every rank and transposed from rank-major to
// token-major into input.
func (p *Pipeline[T]) assembleEmbeddings(input, output device.Region[T], ids device.Region[int32], tokenNum int) error {
	s := p.stream
	if p.tp == 1 {
		device.EmbeddingLookup(s, input, p.weights.EmbeddingTable, ids, tokenNum, p.hidden)
		if err := p.check(s); err != nil {
			return err
		}
	} else {
		width := p.hidden / p.tp
		slice := tokenNum * width
		shard := output.Sub(p.rank*slice, slice)

		device.EmbeddingLookup(s, shard, p.weights.EmbeddingTable, ids, tokenNum, width)
		if err := p.check(s); err != nil {
			return err
		}
		p.comm.AllGather(shard, output.Sub(0, p.tp*slice), slice, s)
		if err := p.check(s); err != nil {
			return err
		}
		device.Transpose102(s, input, output, p.tp, tokenNum, width)
		if err := p.check(s); err != nil {
			return err
		}
	}

	if p.cfg.AnomalyLevel > 0 {
		device.CountAndFix(s, input.Sub(0, tokenNum*p.hidden), "embedding", p.cfg.AnomalyFix)
		if err := p.check(s); err != nil {
			return err
		}
	}
	return nil
}
