package cluster

import (
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-volley/internal/config"
	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/pipeline"
)

// Model is a full, unsharded set of weights kept in float32 on the host.
type Model struct {
	Vocab  int
	Hidden int
	// Embedding and Projection are [Vocab][Hidden].
	Embedding  []float32
	Projection []float32
	NormWeight []float32
}

// RandomModel draws weights uniformly from [-0.5, 0.5). The norm weight is one.
func RandomModel(vocab, hidden int, seed uint64) *Model {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	m := &Model{
		Vocab:      vocab,
		Hidden:     hidden,
		Embedding:  make([]float32, vocab*hidden),
		Projection: make([]float32, vocab*hidden),
		NormWeight: make([]float32, hidden),
	}
	for i := range m.Embedding {
		m.Embedding[i] = rng.Float32() - 0.5
	}
	for i := range m.Projection {
		m.Projection[i] = rng.Float32() - 0.5
	}
	for i := range m.NormWeight {
		m.NormWeight[i] = 1
	}
	return m
}

func (m *Model) Validate() error {
	if m.Vocab <= 0 || m.Hidden <= 0 {
		return fmt.Errorf("model shape %dx%d", m.Vocab, m.Hidden)
	}
	if len(m.Embedding) != m.Vocab*m.Hidden || len(m.Projection) != m.Vocab*m.Hidden {
		return fmt.Errorf("model holds %d embedding and %d projection values, want %d",
			len(m.Embedding), len(m.Projection), m.Vocab*m.Hidden)
	}
	if len(m.NormWeight) != m.Hidden {
		return fmt.Errorf("norm weight holds %d values, want %d", len(m.NormWeight), m.Hidden)
	}
	return nil
}

// shard uploads rank cfg.TPRank's share of m: the whole embedding table with
// one rank or its column slice otherwise, and its rows of the padded output
// projection. Pad rows are zero.
func shard[T dtype.Float](ctx *device.Context, m *Model, cfg config.Config) pipeline.Weights[T] {
	tp, r, h := cfg.TPSize, cfg.TPRank, m.Hidden
	width := h / tp

	emb := make([]float32, 0, m.Vocab*width)
	for tok := 0; tok < m.Vocab; tok++ {
		row := m.Embedding[tok*h : (tok+1)*h]
		emb = append(emb, row[r*width:(r+1)*width]...)
	}

	lv := cfg.LocalVocabSize()
	proj := make([]float32, lv*h)
	for i := 0; i < lv; i++ {
		if v := r*lv + i; v < m.Vocab {
			copy(proj[i*h:(i+1)*h], m.Projection[v*h:(v+1)*h])
		}
	}

	return pipeline.Weights[T]{
		EmbeddingTable:   upload[T](ctx, emb),
		OutputProjection: upload[T](ctx, proj),
		OutputNormWeight: upload[T](ctx, m.NormWeight),
	}
}

func upload[T dtype.Float](ctx *device.Context, vals []float32) device.Region[T] {
	host := make([]T, len(vals))
	dtype.FromFloat32(host, vals)
	b := device.Alloc[T](ctx, len(host))
	device.CopyFromHost(ctx.Stream(), b.All(), host)
	return b.All()
}
