package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-volley/internal/config"
	"github.com/23skdu/longbow-volley/internal/dtype"
	"github.com/23skdu/longbow-volley/internal/embedsource"
	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/sequence"
)

type generateOptions struct {
	prompts  []string
	maxNew   int
	endID    int32
	overlays string
	flight   string
	mask     bool
}

func newGenerateCmd(a *app) *cobra.Command {
	o := generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate tokens for prompts of token ids, optionally with embedding overlays",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch a.cfg.GetPrecision() {
			case config.PrecisionFP32:
				return generate[float32](cmd, a, o)
			case config.PrecisionBF16:
				return generate[dtype.BFloat16](cmd, a, o)
			default:
				return generate[dtype.Half](cmd, a, o)
			}
		},
	}
	cmd.Flags().StringArrayVarP(&o.prompts, "prompt", "p", nil, "Comma separated token ids; repeat for more sequences")
	cmd.Flags().IntVarP(&o.maxNew, "max-new", "n", 16, "Tokens to generate per sequence")
	cmd.Flags().StringVar(&o.overlays, "overlays", "", "Arrow IPC file of embedding overlays keyed by sequence index")
	cmd.Flags().StringVar(&o.flight, "flight", "", "Fetch embedding overlays from a Flight server at host:port")
	cmd.Flags().Int32Var(&o.endID, "end-id", -1, "Token that finishes a sequence; negative disables it")
	cmd.Flags().BoolVar(&o.mask, "mask", false, "Pass the overlay mask to the decoder")
	cmd.MarkFlagsMutuallyExclusive("overlays", "flight")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

// overlaySource opens the configured overlay source. The returned close
// function is never nil.
func overlaySource(o generateOptions, hidden int) (embedsource.Source, func(), error) {
	switch {
	case o.overlays != "":
		mem, err := readOverlays(o.overlays, hidden)
		if err != nil {
			return nil, func() {}, err
		}
		return mem, func() {}, nil
	case o.flight != "":
		host, portStr, err := net.SplitHostPort(o.flight)
		if err != nil {
			return nil, func() {}, fmt.Errorf("flight address %q: %w", o.flight, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, func() {}, fmt.Errorf("flight port %q: %w", portStr, err)
		}
		fs := embedsource.NewFlightSource(host, port, hidden)
		if err := fs.Connect(); err != nil {
			return nil, func() {}, err
		}
		return fs, func() { fs.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func readOverlays(path string, hidden int) (*embedsource.Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	byID, err := embedsource.Decode(f, hidden)
	if err != nil {
		return nil, fmt.Errorf("read overlays %s: %w", path, err)
	}
	mem := embedsource.NewMemory()
	for id, ovs := range byID {
		mem.Put(id, ovs)
	}
	return mem, nil
}

func generate[T dtype.Float](cmd *cobra.Command, a *app, o generateOptions) error {
	if o.maxNew <= 0 {
		return fmt.Errorf("max-new must be positive, got %d", o.maxNew)
	}
	prompts := make([][]int32, len(o.prompts))
	seqs := make([]*sequence.Sequence[T], len(o.prompts))
	for i, p := range o.prompts {
		ids, err := parseTokens(p, a.cfg.VocabSize)
		if err != nil {
			return fmt.Errorf("prompt %d: %w", i, err)
		}
		prompts[i] = ids
		seqs[i] = &sequence.Sequence[T]{ID: int64(i)}
	}

	ctx := cmd.Context()
	src, closeSrc, err := overlaySource(o, a.cfg.HiddenUnits)
	defer closeSrc()
	if err != nil {
		return err
	}
	if src != nil {
		if err := embedsource.Attach(ctx, src, a.cfg.HiddenUnits, seqs); err != nil {
			return err
		}
	}

	c, err := newCluster[T](a)
	if err != nil {
		return err
	}
	defer c.Close()

	start := time.Now()
	out, err := c.Generate(ctx, seqs, prompts, o.maxNew, o.endID, o.mask)
	if err != nil {
		a.recordFailure(err)
		return err
	}
	d := time.Since(start)
	tokens := 0
	for i, toks := range out {
		tokens += len(toks)
		fmt.Fprintf(cmd.OutOrStdout(), "sequence %d: %v\n", i, toks)
	}
	a.recordStep(tokens, d)
	logger.Log.Info("generate complete",
		"sequences", len(out),
		"tokens", tokens,
		"duration", d,
		"projection", c.Pipeline(0).Strategy())
	return nil
}
