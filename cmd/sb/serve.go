package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/server"
	"github.com/zulandar/switchboard/internal/sweeper"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Switchboard API server",
		Long: `Starts the HTTP API for calls, agents and warm transfers.

The database is migrated on start. Stale transfers are aborted on the
transfer.sweep_schedule, and transfer activity is posted to Slack and
Discord when notify targets are configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	notifier, err := notify.FromConfig(cfg.Notify)
	if err != nil {
		return err
	}
	sink := notify.NewSink(notifier)
	defer sink.Wait()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, gormDB, sink)
	if err != nil {
		return err
	}

	sw, err := sweeper.New(srv.Transfers, cfg.Transfer.Timeout, cfg.Transfer.SweepSchedule)
	if err != nil {
		return err
	}
	go sw.Run(ctx)
	fmt.Fprintf(out, "Aborting transfers idle for %s (schedule %q)\n", cfg.Transfer.Timeout, cfg.Transfer.SweepSchedule)

	return server.Start(ctx, server.StartOpts{
		Server: srv,
		Port:   port,
		Out:    out,
	})
}
