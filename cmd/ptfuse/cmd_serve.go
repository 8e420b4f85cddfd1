package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/ptfusion/internal/api"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		listen  string
		dataDir string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run ledger over HTTP",
		Long: `Serve the run ledger as JSON under /api/runs and the SQL console under
/debug/tailsql/. With --data-dir, POST /api/runs fuses bundles found below
that directory using the loaded config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			db, store, err := g.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			mux := http.NewServeMux()
			mux.Handle("/api/", api.NewServer(store, cfg, dataDir).ServeMux())
			if err := db.AttachAdminRoutes(mux); err != nil {
				return fmt.Errorf("failed to attach admin routes: %w", err)
			}

			logger := log.New(cmd.ErrOrStderr(), "[http] ", log.LstdFlags)
			server := &http.Server{
				Addr:              listen,
				Handler:           api.LoggingMiddleware(logger, mux),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				logger.Printf("listening on %s", listen)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				return err
			case <-cmd.Context().Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Printf("HTTP server shutdown error: %v", err)
				if err := server.Close(); err != nil {
					logger.Printf("HTTP server force close error: %v", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8088", "HTTP listen address")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory POST /api/runs may read and write; submission is disabled when empty")
	return cmd
}
