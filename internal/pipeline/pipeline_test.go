package pipeline

import (
	"errors"
	"math"
	"testing"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/config"
	"github.com/23skdu/longbow-volley/internal/decoder"
	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/sequence"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

const (
	testVocab  = 10
	testHidden = 8
)

func testConfig(tp, rank int) config.Config {
	cfg := config.Default()
	cfg.VocabSize = testVocab
	cfg.HiddenUnits = testHidden
	cfg.Precision = config.PrecisionFP32
	cfg.TPSize = tp
	cfg.TPRank = rank
	return cfg
}

func embeddingValue(tok, col int) float32 {
	return float32(tok+1) + float32(col)/10
}

// projectionValue is the full [paddedVocab][H] output projection. Pad rows are
// zero.
func projectionValue(row, col int) float32 {
	if row >= testVocab {
		return 0
	}
	return float32((row*7+col*3)%11-5) / 4
}

func upload(t *testing.T, ctx *device.Context, vals []float32) device.Region[float32] {
	t.Helper()
	b := device.Alloc[float32](ctx, len(vals))
	device.CopyFromHost(ctx.Stream(), b.All(), vals)
	return b.All()
}

// shardWeights builds rank cfg.TPRank's shards of the test model.
func shardWeights(t *testing.T, ctx *device.Context, cfg config.Config) Weights[float32] {
	t.Helper()
	width := cfg.LocalHiddenUnits()
	var emb []float32
	for tok := 0; tok < cfg.VocabSize; tok++ {
		for c := 0; c < width; c++ {
			emb = append(emb, embeddingValue(tok, cfg.TPRank*width+c))
		}
	}
	lv := cfg.LocalVocabSize()
	var proj []float32
	for row := cfg.TPRank * lv; row < (cfg.TPRank+1)*lv; row++ {
		for c := 0; c < cfg.HiddenUnits; c++ {
			proj = append(proj, projectionValue(row, c))
		}
	}
	norm := make([]float32, cfg.HiddenUnits)
	for i := range norm {
		norm[i] = 1
	}
	return Weights[float32]{
		EmbeddingTable:   upload(t, ctx, emb),
		OutputProjection: upload(t, ctx, proj),
		OutputNormWeight: upload(t, ctx, norm),
	}
}

// recordingSampler keeps the keys of the last call and does nothing else.
type recordingSampler struct {
	inputs  []string
	outputs []string
}

func (s *recordingSampler) Forward(outputs, inputs *tensor.Map) error {
	s.inputs = inputs.Keys()
	s.outputs = outputs.Keys()
	return nil
}

type fixture struct {
	cfg  config.Config
	ctx  *device.Context
	pipe *Pipeline[float32]
	dec  *decoder.Reference[float32]
	rec  *comm.Recorder[float32]
}

// newFixture builds one rank driven through a Recorder, so that ranks of a
// wider group can be run one at a time.
func newFixture(t *testing.T, cfg config.Config, smp Sampler, caps ...comm.Capability) *fixture {
	t.Helper()
	ctx := device.NewContext(cfg.TPRank, device.WithSyncCheck(cfg.SyncCheck))
	t.Cleanup(func() { ctx.Free() })
	if smp == nil {
		smp = &recordingSampler{}
	}
	f := &fixture{
		cfg: cfg,
		ctx: ctx,
		dec: decoder.NewReference[float32](ctx.Stream(), cfg.HiddenUnits, cfg.NormEps),
		rec: comm.NewRecorder[float32](cfg.TPRank, cfg.TPSize, caps...),
	}
	p, err := New[float32](cfg, ctx, f.rec, shardWeights(t, ctx, cfg), f.dec, smp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	f.pipe = p
	return f
}

// forwardArgs allocates every buffer of a forward call over b.
func (f *fixture) forwardArgs(t *testing.T, b *sequence.Batch, ids []int32, seqs []*sequence.Sequence[float32], mask bool) ForwardArgs[float32] {
	t.Helper()
	ctx, s := f.ctx, f.ctx.Stream()
	bsz, tokens, h := b.Size(), b.TokenNum(), f.cfg.HiddenUnits

	idBuf := device.Alloc[int32](ctx, tokens)
	device.CopyFromHost(s, idBuf.All(), ids)
	theta := device.Alloc[float32](ctx, bsz)
	device.Fill(s, theta.All(), f.cfg.RopeTheta)

	a := ForwardArgs[float32]{
		LastTokenHidden: device.Alloc[float32](ctx, bsz*h).All(),
		DecoderOutput:   device.Alloc[float32](ctx, tokens*h).All(),
		DecoderInput:    device.Alloc[float32](ctx, tokens*h).All(),
		BlockPtrs:       device.Alloc[uint64](ctx, bsz).All(),
		CuBlockCounts:   device.Alloc[int32](ctx, bsz+1).All(),
		InputIDs:        idBuf.All(),
		RopeTheta:       theta.All(),
		Finished:        device.Alloc[bool](ctx, bsz).All(),
		LocalTokenNums:  device.Alloc[int32](ctx, 1).All(),
		Batch:           b,
		Sequences:       seqs,
	}
	if mask {
		a.Mask = device.Alloc[int32](ctx, tokens).All()
	}
	return a
}

// seqsFor returns overlay-free sequences whose cache length matches b.
func seqsFor(b *sequence.Batch) []*sequence.Sequence[float32] {
	seqs := make([]*sequence.Sequence[float32], b.Size())
	for i := range seqs {
		seqs[i] = &sequence.Sequence[float32]{ID: int64(i), CacheLen: b.ContextLengths[i] - b.InputLengths[i]}
	}
	return seqs
}

// rmsNorm is the host reference for the decoder's last-token normalization.
func rmsNorm(row []float32, eps float32) []float32 {
	var sum float32
	for _, v := range row {
		sum += v * v
	}
	scale := float32(1.0) / float32(math.Sqrt(float64(sum/float32(len(row)))+float64(eps)))
	out := make([]float32, len(row))
	for i, v := range row {
		out[i] = v * scale
	}
	return out
}

// wantLogits projects host hidden rows through the full test projection.
func wantLogits(hidden [][]float32, padded int) []float32 {
	out := make([]float32, 0, len(hidden)*padded)
	for _, row := range hidden {
		for v := 0; v < padded; v++ {
			var acc float32
			for c, x := range row {
				acc += x * projectionValue(v, c)
			}
			out = append(out, acc)
		}
	}
	return out
}

func embeddingRow(tok, hidden int) []float32 {
	row := make([]float32, hidden)
	for c := range row {
		row[c] = embeddingValue(tok, c)
	}
	return row
}

func TestNew(t *testing.T) {
	ctx := device.NewContext(0)
	defer ctx.Free()
	cfg := testConfig(1, 0)
	w := shardWeights(t, ctx, cfg)
	dec := decoder.NewReference[float32](ctx.Stream(), testHidden, cfg.NormEps)
	smp := &recordingSampler{}

	p, err := New[float32](cfg, ctx, comm.NewRecorder[float32](0, 1), w, dec, smp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	if p.PaddedVocabSize() != testVocab {
		t.Errorf("padded vocab = %d, want %d", p.PaddedVocabSize(), testVocab)
	}
	if p.strategy() != strategySingle || p.OverlapsProjection() {
		t.Errorf("single rank uses %s", p.strategy())
	}
}

func TestNewErrors(t *testing.T) {
	ctx := device.NewContext(0)
	defer ctx.Free()
	cfg := testConfig(1, 0)
	w := shardWeights(t, ctx, cfg)
	dec := decoder.NewReference[float32](ctx.Stream(), testHidden, cfg.NormEps)
	smp := &recordingSampler{}

	badVocab := cfg
	badVocab.VocabSize = 0
	fp16 := cfg
	fp16.Precision = config.PrecisionFP16
	shortProj := w
	shortProj.OutputProjection = w.OutputProjection.Sub(0, testHidden)

	tests := []struct {
		name string
		cfg  config.Config
		c    comm.Comm[float32]
		w    Weights[float32]
		dec  Decoder
	}{
		{"invalid config", badVocab, comm.NewRecorder[float32](0, 1), w, dec},
		{"rank mismatch", cfg, comm.NewRecorder[float32](1, 2), w, dec},
		{"precision mismatch", fp16, comm.NewRecorder[float32](0, 1), w, dec},
		{"short projection", cfg, comm.NewRecorder[float32](0, 1), shortProj, dec},
		{"missing norm weight", cfg, comm.NewRecorder[float32](0, 1), Weights[float32]{EmbeddingTable: w.EmbeddingTable, OutputProjection: w.OutputProjection}, dec},
		{"missing decoder", cfg, comm.NewRecorder[float32](0, 1), w, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New[float32](tt.cfg, ctx, tt.c, tt.w, tt.dec, smp)
			if !errors.Is(err, ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestNewHalfPrecision(t *testing.T) {
	ctx := device.NewContext(0)
	defer ctx.Free()
	cfg := testConfig(2, 0)
	cfg.Precision = config.PrecisionFP16

	width, lv := cfg.LocalHiddenUnits(), cfg.LocalVocabSize()
	emb := device.Alloc[dtype.Half](ctx, testVocab*width)
	proj := device.Alloc[dtype.Half](ctx, lv*testHidden)
	norm := device.Alloc[dtype.Half](ctx, testHidden)
	w := Weights[dtype.Half]{EmbeddingTable: emb.All(), OutputProjection: proj.All(), OutputNormWeight: norm.All()}

	p, err := New[dtype.Half](cfg, ctx, comm.NewRecorder[dtype.Half](0, 2, comm.HasAllGather2D),
		w, decoder.NewReference[dtype.Half](ctx.Stream(), testHidden, cfg.NormEps), &recordingSampler{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	if !p.OverlapsProjection() {
		t.Error("expected the overlapped strategy with 2-D gather support")
	}
}

func TestStrategySelection(t *testing.T) {
	tests := []struct {
		name    string
		tp      int
		overlap bool
		caps    []comm.Capability
		want    strategy
	}{
		{"single rank ignores capability", 1, true, []comm.Capability{comm.HasAllGather2D}, strategySingle},
		{"no capability", 2, true, nil, strategySharded},
		{"overlap disabled", 2, false, []comm.Capability{comm.HasAllGather2D}, strategySharded},
		{"overlapped", 4, true, []comm.Capability{comm.HasAllGather2D}, strategyOverlapped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tt.tp, 0)
			cfg.EnableOverlap = tt.overlap
			f := newFixture(t, cfg, nil, tt.caps...)
			if got := f.pipe.strategy(); got != tt.want {
				t.Errorf("strategy = %s, want %s", got, tt.want)
			}
		})
	}
}
