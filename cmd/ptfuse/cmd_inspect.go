package main

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/banshee-data/ptfusion/internal/fsutil"
	"github.com/banshee-data/ptfusion/internal/fusion"
	"github.com/banshee-data/ptfusion/internal/nn"
	"github.com/banshee-data/ptfusion/internal/weights"
)

func newInspectCmd(g *globalFlags) *cobra.Command {
	var (
		check  bool
		export string
	)
	cmd := &cobra.Command{
		Use:   "inspect [WEIGHTS]",
		Short: "List the tensors of a weights file or of the configured module",
		Long: `Without arguments, list the parameters the configured module expects.
With WEIGHTS, list the tensors of a .safetensors, .pt or .pth file; --check
compares them against the configured module (honouring weight_prefix).

--export writes the configured module, initialised from its seed, as a
safetensors file that "run --weights" accepts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var expected weights.MapSource
			if len(args) == 0 || check || export != "" {
				m, err := fusion.New(cfg.Options())
				if err != nil {
					return err
				}
				m.Init(nn.NewSource(uint64(cfg.GetSeed())))
				expected = weights.StateDict(m, "")
			}
			if export != "" {
				var buf bytes.Buffer
				meta := map[string]string{"kind": cfg.GetKind(), "mode": cfg.GetMode()}
				if err := weights.WriteSafetensors(&buf, expected, cfg.GetOutputDType(), meta); err != nil {
					return err
				}
				if err := fsutil.WriteFileAtomic(fsutil.OSFileSystem{}, export, buf.Bytes(), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote %d tensors to %s\n", len(expected), export)
				return nil
			}
			if len(args) == 0 {
				fmt.Fprintf(out, "%s/%s\n", cfg.GetKind(), cfg.GetMode())
				return listTensors(out, expected)
			}

			src, err := weights.Open(fsutil.OSFileSystem{}, args[0])
			if err != nil {
				return err
			}
			if !check {
				return listTensors(out, src)
			}
			if prefix := cfg.GetWeightPrefix(); prefix != "" {
				src = weights.WithPrefix(src, prefix)
			}
			problems := compareTensors(out, expected, src)
			if problems > 0 {
				return fmt.Errorf("%d tensor(s) do not match %s/%s", problems, cfg.GetKind(), cfg.GetMode())
			}
			fmt.Fprintf(out, "all %d tensors match %s/%s\n", len(expected), cfg.GetKind(), cfg.GetMode())
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "compare WEIGHTS against the configured module")
	cmd.Flags().StringVar(&export, "export", "", "write the seeded module parameters to this .safetensors file")
	return cmd
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoFormatHeaders(true)
	return table
}

func listTensors(w io.Writer, src weights.Source) error {
	var data [][]string
	total := 0
	for _, name := range src.Names() {
		t, _ := src.Get(name)
		total += t.NumElements()
		data = append(data, []string{name, shapeString(t.Shape), fmt.Sprint(t.NumElements())})
	}
	table := newTable(w, []string{"NAME", "SHAPE", "ELEMENTS"})
	table.AppendBulk(data)
	table.Render()
	_, err := fmt.Fprintf(w, "%d tensors, %d parameters\n", len(data), total)
	return err
}

// compareTensors prints every expected tensor that is missing or has the
// wrong shape, and every tensor in got that nothing expects. It returns
// the number of problems.
func compareTensors(w io.Writer, expected, got weights.Source) int {
	var data [][]string
	for _, name := range expected.Names() {
		want, _ := expected.Get(name)
		t, ok := got.Get(name)
		switch {
		case !ok:
			data = append(data, []string{name, "missing", shapeString(want.Shape), ""})
		case t.NumElements() != want.NumElements():
			data = append(data, []string{name, "shape", shapeString(want.Shape), shapeString(t.Shape)})
		}
	}
	for _, name := range weights.Unused(got, expected.Names()) {
		t, _ := got.Get(name)
		data = append(data, []string{name, "unused", "", shapeString(t.Shape)})
	}
	if len(data) == 0 {
		return 0
	}
	table := newTable(w, []string{"NAME", "PROBLEM", "EXPECTED", "FOUND"})
	table.AppendBulk(data)
	table.Render()
	return len(data)
}

func shapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
