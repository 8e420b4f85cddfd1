package main

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/ptfusion/internal/config"
	"github.com/banshee-data/ptfusion/internal/fsutil"
	"github.com/banshee-data/ptfusion/internal/nn"
	"github.com/banshee-data/ptfusion/internal/pipeline"
	"github.com/banshee-data/ptfusion/internal/tensor"
	"github.com/banshee-data/ptfusion/internal/weights"
)

func newInitCmd() *cobra.Command {
	var (
		force     bool
		demo      string
		demoN     int
		demoBatch int
		seed      uint64
	)
	cmd := &cobra.Command{
		Use:   "init CONFIG",
		Short: "Write the default configuration",
		Long: `Write the default fusion configuration to CONFIG. The format follows the
extension (.json, .toml, .yaml or .yml).

With --demo-input a random input bundle matching the default channel widths
is written as well, which is enough to try "ptfuse run".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys := fsutil.OSFileSystem{}
			path := args[0]
			if fsys.Exists(path) && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			cfg := config.DefaultFusionConfig()
			var buf bytes.Buffer
			format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
			if err := config.EncodeFusionConfig(&buf, cfg, format); err != nil {
				return err
			}
			if err := fsutil.WriteFileAtomic(fsys, path, buf.Bytes(), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)

			if demo == "" {
				return nil
			}
			in, err := demoInputs(demoN, demoBatch, cfg.GetInMain(), cfg.GetInMod(), seed)
			if err != nil {
				return err
			}
			if err := pipeline.WriteInputs(fsys, demo, in, weights.F32); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d points, %d segment(s))\n", demo, demoN, demoBatch)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.BoolVarP(&force, "force", "f", false, "overwrite an existing config")
	fl.StringVar(&demo, "demo-input", "", "also write a random input bundle (.safetensors)")
	fl.IntVar(&demoN, "demo-points", 1024, "points in the demo bundle")
	fl.IntVar(&demoBatch, "demo-segments", 1, "point clouds in the demo bundle")
	fl.Uint64Var(&seed, "demo-seed", 1, "seed for the demo bundle")
	return cmd
}

// demoInputs draws n points spread over batches segments of a 10m cube,
// with standard normal features.
func demoInputs(n, batches, inMain, inMod int, seed uint64) (*pipeline.Inputs, error) {
	if n <= 0 || batches <= 0 || batches > n {
		return nil, fmt.Errorf("need 0 < segments <= points, got %d points and %d segments", n, batches)
	}
	src := nn.NewSource(seed)
	uniform := distuv.Uniform{Min: -5, Max: 5, Src: src}
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	cols := 3
	if batches > 1 {
		cols = 4
	}
	xyz := tensor.New(n, cols)
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			xyz.Set(i, j, uniform.Rand())
		}
		if cols == 4 {
			xyz.Set(i, 3, float64(i*batches/n))
		}
	}
	feats := func(c int) *tensor.Matrix {
		m := tensor.New(n, c)
		for k := range m.RawData() {
			m.RawData()[k] = normal.Rand()
		}
		return m
	}
	return &pipeline.Inputs{XYZ: xyz, Main: feats(inMain), Mod: feats(inMod)}, nil
}
