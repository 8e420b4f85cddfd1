package main

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/ptfusion/internal/fsutil"
	"github.com/banshee-data/ptfusion/internal/pcdio"
	"github.com/banshee-data/ptfusion/internal/pipeline"
	"github.com/banshee-data/ptfusion/internal/report"
	"github.com/banshee-data/ptfusion/internal/tensor"
)

func newReportCmd(g *globalFlags) *cobra.Command {
	var (
		points    string
		dir       string
		maxPoints int
	)
	cmd := &cobra.Command{
		Use:   "report OUTPUT",
		Short: "Render charts for a fused output bundle",
		Long: `Render norm and attention entropy histograms for OUTPUT, a bundle written by
"ptfuse run". With --points (the run's input bundle or a PCD file) the
coordinates are drawn as scatter plots coloured by the same values.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys := fsutil.OSFileSystem{}
			out, err := pipeline.ReadOutputs(fsys, args[0])
			if err != nil {
				return err
			}
			b := report.Bundle{RunID: out.RunID, Norms: out.Norms, Entropy: out.Entropy}
			if points != "" {
				xyz, err := readXYZ(fsys, points)
				if err != nil {
					return err
				}
				if xyz.Rows() != len(out.Norms) {
					return fmt.Errorf("%s has %d points, %s has %d: %w", points, xyz.Rows(), args[0], len(out.Norms), tensor.ErrShape)
				}
				b.XYZ = xyz
			}
			if dir == "" {
				dir = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + "_report"
			}
			files, err := report.Write(fsys, dir, b, maxPoints)
			for _, f := range files {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", f)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&points, "points", "", "input bundle (.safetensors) or PCD file with the run's coordinates")
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "output directory (default OUTPUT_report)")
	cmd.Flags().IntVar(&maxPoints, "max-points", 20000, "subsample scatter plots to at most this many points, 0 for all")
	return cmd
}

func readXYZ(fsys fsutil.FileSystem, path string) (*tensor.Matrix, error) {
	if strings.EqualFold(filepath.Ext(path), ".pcd") {
		data, err := fsys.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return pcdio.Read(bytes.NewReader(data))
	}
	in, err := pipeline.ReadInputs(fsys, path)
	if err != nil {
		return nil, err
	}
	if in.XYZ == nil {
		return nil, fmt.Errorf("%s has no %s tensor", path, pipeline.TensorXYZ)
	}
	return in.XYZ, nil
}
