package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-volley/internal/config"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/logger"
)

var errMismatch = errors.New("tensor-parallel result differs from a single rank")

func newVerifyCmd(a *app) *cobra.Command {
	o := benchOptions{steps: 1}
	var tol float64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the configured tensor-parallel width reproduces single-rank logits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch a.cfg.GetPrecision() {
			case config.PrecisionFP32:
				return verify[float32](cmd, a, o, tol)
			case config.PrecisionBF16:
				return verify[dtype.BFloat16](cmd, a, o, tol)
			default:
				return verify[dtype.Half](cmd, a, o, tol)
			}
		},
	}
	cmd.Flags().IntVar(&o.steps, "steps", 3, "Random steps to compare")
	cmd.Flags().IntVar(&o.decode, "decode", 4, "Decode sequences per step")
	cmd.Flags().IntVar(&o.prefill, "prefill", 2, "Prefill sequences per step")
	cmd.Flags().IntVar(&o.prefillL, "prefill-len", 5, "Tokens per prefill sequence")
	cmd.Flags().Float64Var(&tol, "tolerance", 1e-3, "Largest accepted absolute logit difference")
	return cmd
}

// trimmed drops padding columns and widens to float64.
func trimmed(logits []float32, rows, vocab int) []float64 {
	padded := len(logits) / rows
	out := make([]float64, 0, rows*vocab)
	for r := 0; r < rows; r++ {
		for _, v := range logits[r*padded : r*padded+vocab] {
			out = append(out, float64(v))
		}
	}
	return out
}

func verify[T dtype.Float](cmd *cobra.Command, a *app, o benchOptions, tol float64) error {
	if o.steps <= 0 || o.decode < 0 || o.prefill < 0 || o.decode+o.prefill == 0 || o.prefillL <= 0 {
		return fmt.Errorf("invalid verify shape: %d steps of %d decode and %d x %d prefill", o.steps, o.decode, o.prefill, o.prefillL)
	}
	wide, err := newCluster[T](a)
	if err != nil {
		return err
	}
	defer wide.Close()

	single := *a
	single.cfg.TPSize = 1
	single.monitor = nil
	base, err := newCluster[T](&single)
	if err != nil {
		return err
	}
	defer base.Close()

	ctx := cmd.Context()
	rng := rand.New(rand.NewPCG(a.seed, 1))
	worst := 0.0
	for i := 0; i < o.steps; i++ {
		args := benchStep[T](rng, a.cfg.VocabSize, o)
		args.KeepLogits = true
		want, err := base.Step(ctx, args)
		if err != nil {
			return fmt.Errorf("single rank step %d: %w", i, err)
		}
		got, err := wide.Step(ctx, args)
		if err != nil {
			a.recordFailure(err)
			return fmt.Errorf("tp %d step %d: %w", a.cfg.TPSize, i, err)
		}

		rows := args.Batch.Size()
		ref := trimmed(want[0].Logits, rows, a.cfg.VocabSize)
		for r, res := range got {
			d := floats.Distance(ref, trimmed(res.Logits, rows, a.cfg.VocabSize), math.Inf(1))
			worst = max(worst, d)
			if d > tol {
				return fmt.Errorf("%w: step %d rank %d max logit difference %g", errMismatch, i, r, d)
			}
		}
		if !slices.Equal(want[0].Tokens, got[0].Tokens) {
			return fmt.Errorf("%w: step %d sampled %v, single rank sampled %v", errMismatch, i, got[0].Tokens, want[0].Tokens)
		}
		logger.Log.Debug("verified step", "step", i, "rows", rows)
	}

	logger.Log.Info("verify passed",
		"tp", a.cfg.TPSize,
		"projection", wide.Pipeline(0).Strategy(),
		"steps", o.steps,
		"max_diff", worst)
	fmt.Fprintf(cmd.OutOrStdout(), "tp %d (%s) matches a single rank over %d steps, max logit difference %g\n",
		a.cfg.TPSize, wide.Pipeline(0).Strategy(), o.steps, worst)
	return nil
}
