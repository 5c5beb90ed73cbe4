package main

import (
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-volley/internal/embedsource"
	"github.com/23skdu/longbow-volley/internal/sequence"
)

func newServeOverlaysCmd(a *app) *cobra.Command {
	var file, addr string
	cmd := &cobra.Command{
		Use:   "serve-overlays",
		Short: "Serve an Arrow overlay file over Flight",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := readOverlays(file, a.cfg.HiddenUnits)
			if err != nil {
				return err
			}
			srv, err := embedsource.NewServer(addr, mem, a.cfg.HiddenUnits)
			if err != nil {
				return err
			}
			errc := make(chan error, 1)
			go func() { errc <- srv.Serve() }()
			fmt.Fprintf(cmd.OutOrStdout(), "serving %d sequences on %s\n", len(mem.Snapshot()), srv.Addr())
			select {
			case <-cmd.Context().Done():
				srv.Shutdown()
				return nil
			case err := <-errc:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Arrow IPC file written by write-overlays")
	cmd.Flags().StringVar(&addr, "addr", fmt.Sprintf("localhost:%d", embedsource.PortData), "Listen address")
	_ = cmd.MarkFlagRequired("file")

	cmd.AddCommand(newWriteOverlaysCmd(a))
	return cmd
}

func newWriteOverlaysCmd(a *app) *cobra.Command {
	var (
		out        string
		sequences  int
		begin, end int
	)
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write random overlays covering [begin, end) of every sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sequences <= 0 || begin < 0 || end <= begin {
				return fmt.Errorf("invalid overlay shape: %d sequences over [%d, %d)", sequences, begin, end)
			}
			h := a.cfg.HiddenUnits
			rng := rand.New(rand.NewPCG(a.seed, 2))
			byID := make(map[int64][]sequence.Overlay[float32], sequences)
			for id := 0; id < sequences; id++ {
				data := make([]float32, (end-begin)*h)
				for i := range data {
					data[i] = rng.Float32() - 0.5
				}
				byID[int64(id)] = []sequence.Overlay[float32]{{Range: sequence.Range{Begin: begin, End: end}, Data: data}}
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := embedsource.Encode(f, h, byID); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "overlays.arrow", "Output file")
	cmd.Flags().IntVar(&sequences, "sequences", 1, "Sequences to cover")
	cmd.Flags().IntVar(&begin, "begin", 0, "First overlaid position")
	cmd.Flags().IntVar(&end, "end", 2, "Position after the last overlaid one")
	return cmd
}
