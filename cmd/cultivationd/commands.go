package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/cultivation-engine/api"
	"github.com/warp/cultivation-engine/config"
)

func newRootCmd(version string) *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:          "cultivationd",
		Short:        "Cultivation batch lifecycle, genealogy and propagation quota service",
		SilenceUsage: true,
		Version:      version,
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to a YAML config file (env overrides apply on top)")

	load := func() (*config.Config, error) { return config.Load(cfgPath) }

	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newMigrateCmd(load))
	cmd.AddCommand(newBootstrapCmd(load))

	cmd.SetVersionTemplate("{{.Version}}\n")
	return cmd
}

type loader func() (*config.Config, error)

func newServeCmd(load loader) *cobra.Command {
	var bootstrap bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := build(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if bootstrap {
				if _, err := a.bootstrap(ctx, ""); err != nil {
					return err
				}
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().BoolVar(&bootstrap, "bootstrap", false, "Apply configured site templates before serving")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	router := api.NewRouter(api.NewHandler(a.eng, a.log), api.RouterOptions{
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Gatherer:    a.registry,
		Ready:       a.ready,
	})
	server := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().
			Str("addr", server.Addr).
			Str("database", a.cfg.Database.Driver).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info().Msg("server stopped")
	return nil
}

func newMigrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// Opening a SQL store migrates it.
			_, db, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			if db == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "driver %s has no schema\n", cfg.Database.Driver)
				return nil
			}
			defer db.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", db.Dialect())
			return nil
		},
	}
}

func newBootstrapCmd(load loader) *cobra.Command {
	var site string

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Apply each configured site's stage template and propagation settings",
		Long: "Creates the stages and transitions a site's template names that do not exist yet.\n" +
			"Existing stages are left untouched, so running it again is safe.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if len(cfg.Sites) == 0 {
				return errors.New("no sites configured")
			}
			a, err := build(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.bootstrap(cmd.Context(), site)
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d stages, %d transitions created\n",
					r.Site, len(r.Result.StagesCreated), len(r.Result.TransitionsCreated))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "Only bootstrap this site")
	return cmd
}
