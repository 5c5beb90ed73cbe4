package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-volley/internal/config"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/pipeline"
	"github.com/23skdu/longbow-volley/internal/sequence"
)

type benchOptions struct {
	steps    int
	decode   int
	prefill  int
	prefillL int
}

func newBenchCmd(a *app) *cobra.Command {
	o := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time mixed decode and prefill steps across all ranks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch a.cfg.GetPrecision() {
			case config.PrecisionFP32:
				return bench[float32](cmd, a, o)
			case config.PrecisionBF16:
				return bench[dtype.BFloat16](cmd, a, o)
			default:
				return bench[dtype.Half](cmd, a, o)
			}
		},
	}
	cmd.Flags().IntVar(&o.steps, "steps", 20, "Steps to run")
	cmd.Flags().IntVar(&o.decode, "decode", 8, "Decode sequences per step")
	cmd.Flags().IntVar(&o.prefill, "prefill", 1, "Prefill sequences per step")
	cmd.Flags().IntVar(&o.prefillL, "prefill-len", 16, "Tokens per prefill sequence")
	return cmd
}

// benchStep builds a step with random token ids and cache lengths.
func benchStep[T dtype.Float](rng *rand.Rand, vocab int, o benchOptions) pipeline.StepArgs[T] {
	var a pipeline.StepArgs[T]
	add := func(input, cached int) {
		a.Batch.InputLengths = append(a.Batch.InputLengths, input)
		a.Batch.ContextLengths = append(a.Batch.ContextLengths, cached+input)
		a.Sequences = append(a.Sequences, &sequence.Sequence[T]{ID: int64(len(a.Sequences)), CacheLen: cached})
		for i := 0; i < input; i++ {
			a.InputIDs = append(a.InputIDs, int32(rng.IntN(vocab)))
		}
	}
	for i := 0; i < o.decode; i++ {
		add(1, 1+rng.IntN(256))
	}
	for i := 0; i < o.prefill; i++ {
		add(o.prefillL, 0)
	}
	a.Batch.DecodeCount = o.decode
	a.Batch.PrefillCount = o.prefill
	return a
}

func bench[T dtype.Float](cmd *cobra.Command, a *app, o benchOptions) error {
	if o.steps <= 0 || o.decode < 0 || o.prefill < 0 || o.decode+o.prefill == 0 || o.prefillL <= 0 {
		return fmt.Errorf("invalid bench shape: %d steps of %d decode and %d x %d prefill", o.steps, o.decode, o.prefill, o.prefillL)
	}
	c, err := newCluster[T](a)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	rng := rand.New(rand.NewPCG(a.seed, 0))
	var tokens int
	var total time.Duration
	for i := 0; i < o.steps; i++ {
		args := benchStep[T](rng, a.cfg.VocabSize, o)
		start := time.Now()
		if _, err := c.Step(ctx, args); err != nil {
			a.recordFailure(err)
			return fmt.Errorf("step %d: %w", i, err)
		}
		d := time.Since(start)
		n := args.Batch.TokenNum()
		tokens += n
		total += d
		a.recordStep(n, d)
		logger.Log.Debug("bench step", "step", i, "tokens", n, "duration", d)
	}

	logger.Log.Info("bench complete",
		"tp", a.cfg.TPSize,
		"precision", string(a.cfg.GetPrecision()),
		"projection", c.Pipeline(0).Strategy(),
		"steps", o.steps,
		"tokens", tokens,
		"duration", total)
	fmt.Fprintf(cmd.OutOrStdout(), "%d steps, %d tokens in %v (%.1f tokens/s)\n",
		o.steps, tokens, total.Round(time.Millisecond), float64(tokens)/total.Seconds())
	return nil
}
