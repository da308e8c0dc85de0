package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/vlessgate/internal/config"
	"github.com/1ureka/vlessgate/internal/directory"
	"github.com/1ureka/vlessgate/internal/server"
	"github.com/1ureka/vlessgate/internal/util"
)

func newServeCommand(globals *globalOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tunnel server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(globals.configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if cfg.Debug {
				util.EnableDebug()
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address, overrides config and LISTEN")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("vlessgate v%s", version))
	pterm.Println()

	store, err := directory.Open(cfg.UsersFile)
	if err != nil {
		return err
	}
	util.LogInfo("loaded %d users from %s", len(store.List()), cfg.UsersFile)
	util.LogInfo("DoH resolver %s, relay override %s, %d attempts", cfg.Resolver, cfg.Relay, cfg.MaxAttempts)
	if cfg.APIToken == "" {
		util.LogWarning("API_TOKEN is not set; the admin API rejects every call")
	}

	srv, err := server.New(cfg, store)
	if err != nil {
		return err
	}

	util.StartStatsReporter(ctx)

	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	util.LogInfo("server stopped")
	return nil
}
