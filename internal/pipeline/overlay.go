package pipeline

import (
	"fmt"

	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/metrics"
	"github.com/23skdu/longbow-volley/internal/sequence"
)

// updateEmbedding overwrites assembled embeddings with the external overlays
// that intersect each sequence's window [cacheLen, cacheLen+inputLength).
//
// Overlays are visited last to first, so where two overlap the one earlier in
// the list is written last and wins. Scanning a sequence stops at the first
// overlay that ends at or before cacheLen.
//
// When mask is set, every overwritten position is marked 1 in it. If anything
// was overwritten the mask is uploaded and the stream drained, and true is
// returned. Without a mask the result is always false.
func (p *Pipeline[T]) updateEmbedding(input device.Region[T], inputLengths []int, seqs []*sequence.Sequence[T], tokenNum int, mask device.Region[int32]) (bool, error) {
	s := p.stream
	h := p.hidden

	var hostMask []int32
	if mask.Buf != nil {
		hostMask = make([]int32, tokenNum)
	}

	have := false
	overlaid := 0
	// base is the first token of the current sequence in input and hostMask.
	base := 0
	for i, seq := range seqs[:len(inputLengths)] {
		n := inputLengths[i]
		for j := len(seq.Embeddings) - 1; j >= 0; j-- {
			emb := &seq.Embeddings[j]
			begin, end := emb.Begin, emb.End
			if seq.CacheLen+n-1 < begin {
				continue
			}
			if end <= seq.CacheLen {
				break
			}
			offDst := max(0, begin-seq.CacheLen)
			offSrc := max(0, seq.CacheLen-begin)
			begin = max(begin, seq.CacheLen)
			end = min(end, seq.CacheLen+n)
			count := end - begin

			if (offSrc+count)*h > len(emb.Data) {
				return false, fmt.Errorf("%w: sequence %d overlay %s holds %d values, need %d",
					ErrOverlay, seq.ID, emb.Range, len(emb.Data), (offSrc+count)*h)
			}
			device.CopyFromHost(s, input.Sub((base+offDst)*h, count*h), emb.Data[offSrc*h:(offSrc+count)*h])
			overlaid += count

			if hostMask != nil {
				for k := 0; k < count; k++ {
					hostMask[base+offDst+k] = 1
				}
				have = true
			}
		}
		base += n
	}
	if err := p.check(s); err != nil {
		return false, err
	}

	if hostMask != nil && have {
		device.CopyFromHost(s, mask, hostMask)
		if err := s.Synchronize(); err != nil {
			return false, err
		}
	}
	metrics.RecordOverlay(overlaid)
	return have, nil
}
