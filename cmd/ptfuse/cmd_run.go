package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/ptfusion/internal/config"
	"github.com/banshee-data/ptfusion/internal/fsutil"
	"github.com/banshee-data/ptfusion/internal/pipeline"
	"github.com/banshee-data/ptfusion/internal/report"
)

type runFlags struct {
	points    string
	output    string
	pcdOut    string
	reportDir string
	noRecord  bool

	kind    string
	mode    string
	weights string
	seed    int64
	workers int
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run INPUT",
		Short: "Fuse the features of an input bundle",
		Long: `Run the configured fusion module over INPUT, a safetensors bundle with
tensors xyz (N x 3 or N x 4 with a batch column), x_main and x_mod.

The fused features are written to --output (default INPUT.fused.safetensors)
together with their per-point norms and, for local attention modules, the
attention entropy. Every run is recorded in the ledger unless --no-record.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			cfg.Merge(f.overrides(cmd))
			if err := cfg.Validate(); err != nil {
				return err
			}

			opts := []pipeline.Option{}
			if !f.noRecord {
				db, store, err := g.openStore()
				if err != nil {
					return err
				}
				defer db.Close()
				opts = append(opts, pipeline.WithLedger(store))
			}
			runner, err := pipeline.New(cfg, opts...)
			if err != nil {
				return err
			}

			input := args[0]
			output := f.output
			if output == "" {
				output = strings.TrimSuffix(input, filepath.Ext(input)) + ".fused.safetensors"
			}
			res, err := runner.Run(cmd.Context(), pipeline.Request{
				Input:     input,
				Points:    f.points,
				Output:    output,
				PCDOutput: f.pcdOut,
			})
			if err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), res)

			if f.reportDir != "" {
				files, err := report.Write(fsutil.OSFileSystem{}, f.reportDir, report.Bundle{
					RunID:   res.Run.RunID,
					XYZ:     res.Inputs.XYZ,
					Norms:   res.Norms,
					Entropy: res.Entropy,
				}, 0)
				if err != nil {
					return err
				}
				for _, file := range files {
					fmt.Fprintf(cmd.OutOrStdout(), "report: %s\n", file)
				}
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.points, "points", "", "PCD file whose coordinates replace the bundle's xyz")
	fl.StringVarP(&f.output, "output", "o", "", "output bundle (.safetensors)")
	fl.StringVar(&f.pcdOut, "pcd-out", "", "also write coordinates with norm/entropy fields as PCD")
	fl.StringVar(&f.reportDir, "report-dir", "", "render histogram and scatter reports into this directory")
	fl.BoolVar(&f.noRecord, "no-record", false, "do not record the run in the ledger")
	fl.StringVar(&f.kind, "kind", "", "override the module kind")
	fl.StringVar(&f.mode, "mode", "", "override the module mode")
	fl.StringVar(&f.weights, "weights", "", "override the weights file")
	fl.Int64Var(&f.seed, "seed", 0, "override the initialisation seed")
	fl.IntVar(&f.workers, "workers", 0, "override the worker count")
	return cmd
}

// overrides returns a config holding only the flags the user set.
func (f *runFlags) overrides(cmd *cobra.Command) *config.FusionConfig {
	o := config.EmptyFusionConfig()
	changed := cmd.Flags().Changed
	if changed("kind") {
		o.Kind = &f.kind
		if !changed("mode") {
			// An empty mode resolves to the kind's default.
			o.Mode = new(string)
		}
	}
	if changed("mode") {
		o.Mode = &f.mode
	}
	if changed("weights") {
		o.Weights = &f.weights
	}
	if changed("seed") {
		o.Seed = &f.seed
	}
	if changed("workers") {
		o.Workers = &f.workers
	}
	return o
}

func printRun(w io.Writer, res *pipeline.Result) {
	r := res.Run
	fmt.Fprintf(w, "run %s: %s/%s\n", r.RunID, r.Kind, r.Mode)
	fmt.Fprintf(w, "  points:   %d in %d segment(s)\n", r.Points, r.Segments)
	fmt.Fprintf(w, "  channels: main %d + mod %d -> %d\n", r.InMain, r.InMod, r.OutChannels)
	fmt.Fprintf(w, "  forward:  %s\n", r.Duration().Round(time.Microsecond))
	fmt.Fprintf(w, "  norm:     mean %.4g sd %.4g p50 %.4g p95 %.4g max %.4g\n",
		r.NormMean, r.NormStdDev, r.NormP50, r.NormP95, r.NormMax)
	if r.EntropyMean != nil {
		fmt.Fprintf(w, "  entropy:  mean %.4g nats\n", *r.EntropyMean)
	}
	if r.OutputPath != "" {
		fmt.Fprintf(w, "  output:   %s\n", r.OutputPath)
	}
}
