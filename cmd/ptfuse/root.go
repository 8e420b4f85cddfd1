package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/banshee-data/ptfusion/internal/config"
	"github.com/banshee-data/ptfusion/internal/fusion"
	"github.com/banshee-data/ptfusion/internal/pipeline"
	"github.com/banshee-data/ptfusion/internal/pointops"
	"github.com/banshee-data/ptfusion/internal/pointtransformer"
	"github.com/banshee-data/ptfusion/internal/storage/sqlite"
	"github.com/banshee-data/ptfusion/internal/version"
)

const defaultDBPath = "ptfuse.db"

type globalFlags struct {
	config  string
	db      string
	verbose bool
	trace   bool
}

func newRootCmd() *cobra.Command {
	cobra.EnableCommandSorting = false
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "ptfuse",
		Short:         "Point Transformer fusion of 2D and 3D point features",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd.ErrOrStderr(), g.verbose, g.trace)
		},
	}
	root.SetVersionTemplate(version.String() + "\n")

	pf := root.PersistentFlags()
	pf.StringVarP(&g.config, "config", "c", "", "fusion config file (.json, .toml, .yaml); built-in defaults when empty")
	pf.StringVar(&g.db, "db", defaultDBPath, "run ledger database")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable diagnostic logging")
	pf.BoolVar(&g.trace, "trace", false, "enable trace logging (implies --verbose)")

	root.AddCommand(
		newRunCmd(g),
		newInitCmd(),
		newInspectCmd(g),
		newRunsCmd(g),
		newReportCmd(g),
		newServeCmd(g),
		newMigrateCmd(g),
		newVersionCmd(),
	)
	return root
}

// setupLogging routes the ops stream of every package to w, the diag
// stream with verbose and the trace stream with trace.
func setupLogging(w io.Writer, verbose, trace bool) {
	var diag, tr io.Writer
	if verbose || trace {
		diag = w
	}
	if trace {
		tr = w
	}
	for _, set := range []func(ops, diag, trace io.Writer){
		fusion.SetLogWriters,
		pointops.SetLogWriters,
		pointtransformer.SetLogWriters,
		pipeline.SetLogWriters,
		sqlite.SetLogWriters,
	} {
		set(w, diag, tr)
	}
}

// loadConfig reads the --config file, or returns the built-in defaults.
func (g *globalFlags) loadConfig() (*config.FusionConfig, error) {
	if g.config == "" {
		return config.DefaultFusionConfig(), nil
	}
	cfg := config.DefaultFusionConfig()
	file, err := config.LoadFusionConfig(g.config)
	if err != nil {
		return nil, err
	}
	cfg.Merge(file)
	return cfg, nil
}

// openStore opens the ledger at --db, migrating it to the latest schema.
func (g *globalFlags) openStore() (*sqlite.DB, *sqlite.RunStore, error) {
	db, err := sqlite.OpenDB(g.db)
	if err != nil {
		return nil, nil, err
	}
	return db, sqlite.NewRunStore(db.DB), nil
}
