package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-volley/internal/cluster"
	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/config"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/monitoring"
	"github.com/23skdu/longbow-volley/internal/sampling"
)

// app is the state shared by every subcommand after flag parsing.
type app struct {
	configPath string
	metrics    string
	seed       uint64
	timeout    time.Duration
	sampling   sampling.Config

	cfg     config.Config
	monitor *monitoring.HealthMonitor
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "volley",
		Short:         "Run tensor-parallel forward steps on simulated devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.monitor == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.monitor.Stop(ctx)
		},
	}

	d := config.Default()
	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "YAML configuration file")
	f.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	f.String("log-format", d.LogFormat, "Log format (console, json)")
	f.Int("tp", d.TPSize, "Tensor-parallel width")
	f.String("precision", string(d.Precision), "Element type (fp16, fp32, bf16)")
	f.Int("vocab", 1000, "Vocabulary size of the random model")
	f.Int("hidden", 64, "Hidden units of the random model")
	f.Bool("overlap", d.EnableOverlap, "Use the overlapped logits projection when the group supports it")
	f.Int("max-stages", d.MaxStages, "Upper bound on overlapped projection stages")
	f.Int("min-stage-tokens", d.MinStageTokens, "Lower bound on rows per overlapped stage")
	f.Bool("sync-check", d.SyncCheck, "Synchronize after every submission")
	f.StringVar(&a.metrics, "metrics", "", "Serve /metrics and /healthz on this address")
	f.Uint64Var(&a.seed, "seed", 1, "Seed for weights and sampling")
	f.DurationVar(&a.timeout, "collective-timeout", 0, "Abort a collective that waits longer than this (0 waits forever)")
	f.Float64Var(&a.sampling.Temperature, "temperature", 0, "Sampling temperature (0 is greedy)")
	f.IntVar(&a.sampling.TopK, "top-k", 0, "Top-k filter (0 disables)")
	f.Float64Var(&a.sampling.TopP, "top-p", 0, "Top-p filter (0 disables)")

	root.AddCommand(newBenchCmd(a), newVerifyCmd(a), newGenerateCmd(a), newServeOverlaysCmd(a))
	return root
}

// setup loads the configuration file, applies explicitly set flags over it and
// starts the monitoring endpoint.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	f := cmd.Flags()
	if a.configPath == "" || f.Changed("vocab") {
		cfg.VocabSize, _ = f.GetInt("vocab")
	}
	if a.configPath == "" || f.Changed("hidden") {
		cfg.HiddenUnits, _ = f.GetInt("hidden")
	}
	if f.Changed("tp") {
		cfg.TPSize, _ = f.GetInt("tp")
	}
	if f.Changed("precision") {
		p, _ := f.GetString("precision")
		cfg.Precision = config.Precision(p)
	}
	if f.Changed("overlap") {
		cfg.EnableOverlap, _ = f.GetBool("overlap")
	}
	if f.Changed("max-stages") {
		cfg.MaxStages, _ = f.GetInt("max-stages")
	}
	if f.Changed("min-stage-tokens") {
		cfg.MinStageTokens, _ = f.GetInt("min-stage-tokens")
	}
	if f.Changed("sync-check") {
		cfg.SyncCheck, _ = f.GetBool("sync-check")
	}
	if f.Changed("log-level") || a.configPath == "" {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") || a.configPath == "" {
		cfg.LogFormat, _ = f.GetString("log-format")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	a.cfg = cfg
	a.sampling.Seed = a.seed

	if a.metrics != "" {
		a.monitor = monitoring.NewHealthMonitor(monitoring.ClusterInfo{
			TPSize:    cfg.TPSize,
			Precision: string(cfg.GetPrecision()),
		})
		if err := a.monitor.Start(a.metrics); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) model() *cluster.Model {
	return cluster.RandomModel(a.cfg.VocabSize, a.cfg.HiddenUnits, a.seed)
}

func (a *app) options() cluster.Options {
	return cluster.Options{
		Sampling: a.sampling,
		Group: []comm.GroupOption{
			comm.WithAllGather2D(a.cfg.EnableOverlap),
			comm.WithTimeout(a.timeout),
		},
	}
}

// newCluster builds every rank for the configured precision.
func newCluster[T dtype.Float](a *app) (*cluster.Cluster[T], error) {
	c, err := cluster.New[T](a.cfg, a.model(), a.options())
	if err != nil {
		return nil, err
	}
	if a.monitor != nil {
		a.monitor.SetProjection(c.Pipeline(0).Strategy())
	}
	return c, nil
}

func (a *app) recordStep(tokens int, d time.Duration) {
	if a.monitor != nil {
		a.monitor.RecordStep(tokens, d)
	}
}

func (a *app) recordFailure(err error) {
	if a.monitor != nil {
		a.monitor.RecordFailure(err)
	}
}

// parseTokens reads a comma separated list of token ids.
func parseTokens(s string, vocab int) ([]int32, error) {
	var out []int32
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", field, err)
		}
		if v < 0 || int(v) >= vocab {
			return nil, fmt.Errorf("token %d outside vocabulary of %d", v, vocab)
		}
		out = append(out, int32(v))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty prompt %q", s)
	}
	return out, nil
}
