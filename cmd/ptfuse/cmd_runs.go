package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/ptfusion/internal/storage/sqlite"
)

func newRunsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Query the run ledger",
	}
	cmd.AddCommand(newRunsListCmd(g), newRunsShowCmd(g), newRunsDeleteCmd(g))
	return cmd
}

func newRunsListCmd(g *globalFlags) *cobra.Command {
	var f sqlite.RunFilter
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List recorded runs, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := g.openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			runs, err := store.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			writeRunTable(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "only runs of this module kind")
	cmd.Flags().StringVar(&f.Status, "status", "", "only runs with this status (ok, error)")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "maximum runs to list, 0 for all")
	return cmd
}

func writeRunTable(w io.Writer, runs []*sqlite.Run) {
	var data [][]string
	for _, r := range runs {
		id := r.RunID
		if len(id) > 8 {
			id = id[:8]
		}
		norm := ""
		if r.Status == sqlite.StatusOK {
			norm = fmt.Sprintf("%.4g", r.NormMean)
		}
		data = append(data, []string{
			id,
			r.Created().Local().Format(time.DateTime),
			r.Kind + "/" + r.Mode,
			r.Status,
			fmt.Sprint(r.Points),
			r.Duration().Round(time.Millisecond).String(),
			norm,
		})
	}
	table := newTable(w, []string{"ID", "CREATED", "MODULE", "STATUS", "POINTS", "FORWARD", "MEAN NORM"})
	table.AppendBulk(data)
	table.Render()
}

func newRunsShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print a run as JSON; ID may be an unambiguous prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := g.openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			run, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		},
	}
}

func newRunsDeleteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "delete ID...",
		Aliases: []string{"rm"},
		Short:   "Delete runs from the ledger",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := g.openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			for _, id := range args {
				run, err := store.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				if err := store.Delete(cmd.Context(), run.RunID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", run.RunID)
			}
			return nil
		},
	}
}
