package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/ptfusion/internal/storage/sqlite"
)

func newMigrateCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ledger schema",
	}

	// with opens the ledger without migrating it.
	with := func(fn func(cmd *cobra.Command, db *sqlite.DB, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			db, err := sqlite.OpenDBNoMigrate(g.db)
			if err != nil {
				return err
			}
			defer db.Close()
			return fn(cmd, db, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: with(func(cmd *cobra.Command, db *sqlite.DB, _ []string) error {
				if err := db.MigrateUp(); err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), db)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back one migration",
			Args:  cobra.NoArgs,
			RunE: with(func(cmd *cobra.Command, db *sqlite.DB, _ []string) error {
				if err := db.MigrateDown(); err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), db)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the schema version",
			Args:  cobra.NoArgs,
			RunE: with(func(cmd *cobra.Command, db *sqlite.DB, _ []string) error {
				return printStatus(cmd.OutOrStdout(), db)
			}),
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Set the schema version without running migrations, clearing the dirty flag",
			Args:  cobra.ExactArgs(1),
			RunE: with(func(cmd *cobra.Command, db *sqlite.DB, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				if err := db.MigrateForce(v); err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), db)
			}),
		},
	)
	return cmd
}

func printStatus(w io.Writer, db *sqlite.DB) error {
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	fmt.Fprintf(w, "schema version %d of %d", version, sqlite.SchemaVersion)
	if dirty {
		fmt.Fprint(w, " (dirty: a migration failed part way; inspect the database, then use 'migrate force')")
	}
	fmt.Fprintln(w)
	return nil
}
