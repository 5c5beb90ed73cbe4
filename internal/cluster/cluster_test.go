package cluster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/config"
	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/pipeline"
	"github.com/23skdu/longbow-volley/internal/sequence"
)

const (
	vocab  = 37
	hidden = 16
)

func clusterConfig(tp int, overlap bool) config.Config {
	cfg := config.Default()
	cfg.VocabSize = vocab
	cfg.HiddenUnits = hidden
	cfg.Precision = config.PrecisionFP32
	cfg.TPSize = tp
	cfg.EnableOverlap = overlap
	cfg.MinStageTokens = 1
	cfg.MaxStages = 4
	return cfg
}

func newCluster[T dtype.Float](t *testing.T, cfg config.Config, m *Model, overlap bool) *Cluster[T] {
	t.Helper()
	c, err := New[T](cfg, m, Options{Group: []comm.GroupOption{comm.WithAllGather2D(overlap)}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// mixedStep is two decode sequences followed by two prefills.
func mixedStep[T dtype.Float]() pipeline.StepArgs[T] {
	b := sequence.Batch{
		InputLengths:   []int{1, 1, 3, 2},
		ContextLengths: []int{5, 2, 3, 2},
		DecodeCount:    2,
		PrefillCount:   2,
	}
	seqs := make([]*sequence.Sequence[T], b.Size())
	for i := range seqs {
		seqs[i] = &sequence.Sequence[T]{ID: int64(i), CacheLen: b.ContextLengths[i] - b.InputLengths[i]}
	}
	return pipeline.StepArgs[T]{
		Batch:      b,
		InputIDs:   []int32{3, 36, 0, 17, 9, 21, 4},
		Sequences:  seqs,
		KeepLogits: true,
	}
}

// trueVocab drops the padding columns of every logits row.
func trueVocab(logits []float32, rows int) []float32 {
	padded := len(logits) / rows
	out := make([]float32, 0, rows*vocab)
	for r := 0; r < rows; r++ {
		out = append(out, logits[r*padded:r*padded+vocab]...)
	}
	return out
}

// withDeadline fails the test instead of hanging if fn never returns.
func withDeadline(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("cluster did not return")
	}
}

func TestStepMatchesSingleRank(t *testing.T) {
	m := RandomModel(vocab, hidden, 7)
	const rows = 4

	base := newCluster[float32](t, clusterConfig(1, false), m, false)
	want, err := base.Step(context.Background(), mixedStep[float32]())
	if err != nil {
		t.Fatalf("single rank: %v", err)
	}
	wantLogits := trueVocab(want[0].Logits, rows)

	for _, tp := range []int{2, 4, 8} {
		for _, overlap := range []bool{false, true} {
			t.Run(fmt.Sprintf("tp%d/overlap=%v", tp, overlap), func(t *testing.T) {
				c := newCluster[float32](t, clusterConfig(tp, overlap), m, overlap)
				if got := c.Pipeline(0).OverlapsProjection(); got != overlap {
					t.Fatalf("overlapped projection = %v, want %v", got, overlap)
				}
				res, err := c.Step(context.Background(), mixedStep[float32]())
				if err != nil {
					t.Fatalf("Step: %v", err)
				}
				for r, rr := range res {
					if diff := cmp.Diff(wantLogits, trueVocab(rr.Logits, rows), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
						t.Errorf("rank %d logits mismatch (-want +got):\n%s", r, diff)
					}
					if diff := cmp.Diff(want[0].Tokens, rr.Tokens); diff != "" {
						t.Errorf("rank %d tokens mismatch (-want +got):\n%s", r, diff)
					}
				}
			})
		}
	}
}

func TestStageCountDoesNotChangeLogits(t *testing.T) {
	m := RandomModel(vocab, hidden, 11)
	const batch = 16
	args := pipeline.StepArgs[float32]{KeepLogits: true}
	for i := 0; i < batch; i++ {
		args.Batch.InputLengths = append(args.Batch.InputLengths, 1)
		args.Batch.ContextLengths = append(args.Batch.ContextLengths, i+1)
		args.InputIDs = append(args.InputIDs, int32(i*5%vocab))
		args.Sequences = append(args.Sequences, &sequence.Sequence[float32]{ID: int64(i), CacheLen: i})
	}
	args.Batch.DecodeCount = batch

	run := func(minTokens, maxStages int) []float32 {
		cfg := clusterConfig(4, true)
		cfg.MinStageTokens = minTokens
		cfg.MaxStages = maxStages
		c := newCluster[float32](t, cfg, m, true)
		res, err := c.Step(context.Background(), args)
		if err != nil {
			t.Fatalf("Step(%d, %d): %v", minTokens, maxStages, err)
		}
		return res[0].Logits
	}
	one := run(512, 1)
	many := run(1, 16)
	if diff := cmp.Diff(one, many); diff != "" {
		t.Errorf("staged logits differ (-one stage +sixteen stages):\n%s", diff)
	}
}

func TestStepHalfPrecision(t *testing.T) {
	m := RandomModel(vocab, hidden, 3)
	var tokens [][]int32
	for _, tp := range []int{1, 2} {
		cfg := clusterConfig(tp, true)
		cfg.Precision = config.PrecisionFP16
		c := newCluster[dtype.Half](t, cfg, m, true)
		res, err := c.Step(context.Background(), mixedStep[dtype.Half]())
		if err != nil {
			t.Fatalf("tp%d: %v", tp, err)
		}
		tokens = append(tokens, res[0].Tokens)
	}
	if diff := cmp.Diff(tokens[0], tokens[1]); diff != "" {
		t.Errorf("tokens differ between one and two ranks (-tp1 +tp2):\n%s", diff)
	}
}

func TestRankFaultFailsAllRanks(t *testing.T) {
	for _, syncCheck := range []bool{false, true} {
		for _, op := range []string{"gemm", "embedding_lookup", comm.OpAllGather2D} {
			t.Run(fmt.Sprintf("%s/sync=%v", op, syncCheck), func(t *testing.T) {
				cfg := clusterConfig(4, true)
				cfg.SyncCheck = syncCheck
				c := newCluster[float32](t, cfg, RandomModel(vocab, hidden, 5), true)
				c.Context(2).InjectFault(op, nil)

				var err error
				withDeadline(t, func() {
					_, err = c.Step(context.Background(), mixedStep[float32]())
				})
				if !errors.Is(err, device.ErrInjected) {
					t.Fatalf("expected the injected fault, got %v", err)
				}

				// Streams and the group keep the failure.
				withDeadline(t, func() {
					_, err = c.Step(context.Background(), mixedStep[float32]())
				})
				if !errors.Is(err, device.ErrInjected) {
					t.Errorf("expected the fault to persist, got %v", err)
				}
			})
		}
	}
}

func TestRunCanceled(t *testing.T) {
	c := newCluster[float32](t, clusterConfig(2, false), RandomModel(vocab, hidden, 1), false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Step(ctx, mixedStep[float32]()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var err error
	withDeadline(t, func() {
		_, err = c.Step(context.Background(), mixedStep[float32]())
	})
	if !errors.Is(err, comm.ErrAborted) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected the group to stay aborted by the cancellation, got %v", err)
	}
}

func TestRunRankError(t *testing.T) {
	c := newCluster[float32](t, clusterConfig(2, false), RandomModel(vocab, hidden, 1), false)
	boom := errors.New("boom")
	var err error
	withDeadline(t, func() {
		err = c.Run(context.Background(), func(ctx context.Context, rank int, p *pipeline.Pipeline[float32]) error {
			if rank == 1 {
				return boom
			}
			_, err := p.Step(mixedStep[float32]())
			return err
		})
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected the rank error, got %v", err)
	}
}

func TestGenerate(t *testing.T) {
	m := RandomModel(vocab, hidden, 42)
	prompts := [][]int32{{1, 2, 3}, {30}, {7, 7}}
	const maxNew = 5

	var outs [][][]int32
	for _, tp := range []int{1, 2, 4} {
		c := newCluster[float32](t, clusterConfig(tp, tp == 4), m, tp == 4)
		seqs := make([]*sequence.Sequence[float32], len(prompts))
		for i := range seqs {
			seqs[i] = &sequence.Sequence[float32]{ID: int64(i)}
		}
		out, err := c.Generate(context.Background(), seqs, prompts, maxNew, -1, false)
		if err != nil {
			t.Fatalf("tp%d: %v", tp, err)
		}
		for i, o := range out {
			if len(o) != maxNew {
				t.Errorf("tp%d sequence %d generated %d tokens, want %d", tp, i, len(o), maxNew)
			}
			if want := len(prompts[i]) + maxNew - 1; seqs[i].CacheLen != want {
				t.Errorf("tp%d sequence %d cache length %d, want %d", tp, i, seqs[i].CacheLen, want)
			}
		}
		outs = append(outs, out)
	}
	for i := 1; i < len(outs); i++ {
		if diff := cmp.Diff(outs[0], outs[i]); diff != "" {
			t.Errorf("generation differs from a single rank (-want +got):\n%s", diff)
		}
	}
}

func TestGenerateEndID(t *testing.T) {
	m := RandomModel(vocab, hidden, 42)
	prompts := [][]int32{{1, 2, 3}, {30}, {7, 7}}
	const maxNew = 6

	run := func(endID int32) [][]int32 {
		t.Helper()
		c := newCluster[float32](t, clusterConfig(2, false), m, false)
		seqs := make([]*sequence.Sequence[float32], len(prompts))
		for i := range seqs {
			seqs[i] = &sequence.Sequence[float32]{ID: int64(i)}
		}
		out, err := c.Generate(context.Background(), seqs, prompts, maxNew, endID, false)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		return out
	}

	full := run(-1)
	endID := full[0][0]
	want := make([][]int32, len(full))
	for i, toks := range full {
		if at := slices.Index(toks, endID); at >= 0 {
			toks = toks[:at+1]
		}
		want[i] = toks
	}
	if diff := cmp.Diff(want, run(endID)); diff != "" {
		t.Errorf("generation with end id %d mismatch (-want +got):\n%s", endID, diff)
	}
}

func TestGenerateErrors(t *testing.T) {
	c := newCluster[float32](t, clusterConfig(1, false), RandomModel(vocab, hidden, 1), false)
	seq := []*sequence.Sequence[float32]{{}}
	if _, err := c.Generate(context.Background(), seq, nil, 1, -1, false); !errors.Is(err, pipeline.ErrConfig) {
		t.Errorf("no prompts: expected ErrConfig, got %v", err)
	}
	if _, err := c.Generate(context.Background(), seq, [][]int32{{}}, 1, -1, false); !errors.Is(err, pipeline.ErrConfig) {
		t.Errorf("empty prompt: expected ErrConfig, got %v", err)
	}
}

func TestNewErrors(t *testing.T) {
	m := RandomModel(vocab, hidden, 1)
	short := *m
	short.NormWeight = short.NormWeight[:hidden-1]
	wrongVocab := clusterConfig(1, false)
	wrongVocab.VocabSize = vocab + 1

	if _, err := New[float32](clusterConfig(1, false), &short, Options{}); err == nil {
		t.Error("expected an error for a short norm weight")
	}
	if _, err := New[float32](clusterConfig(3, false), m, Options{}); !errors.Is(err, pipeline.ErrConfig) {
		t.Errorf("uneven hidden split: expected ErrConfig, got %v", err)
	}
	if _, err := New[float32](wrongVocab, m, Options{}); !errors.Is(err, pipeline.ErrConfig) {
		t.Errorf("vocab mismatch: expected ErrConfig, got %v", err)
	}
	if _, err := New[dtype.Half](clusterConfig(1, false), m, Options{}); !errors.Is(err, pipeline.ErrConfig) {
		t.Errorf("precision mismatch: expected ErrConfig, got %v", err)
	}
}

func TestRandomModelDeterministic(t *testing.T) {
	a, b := RandomModel(5, 4, 9), RandomModel(5, 4, 9)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("same seed produced different models:\n%s", diff)
	}
	if err := a.Validate(); err != nil {
		t.Error(err)
	}
}
