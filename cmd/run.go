package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medic-kiel/aql2fhir/internal/ops"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the continuous sync loop: one poller per configured resource,
each extracting its incremental window on its own cadence and upserting
the rendered resources into the FHIR server.

SIGINT/SIGTERM stop the loops; in-flight deliveries get the configured
grace period to complete before the process exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		g, ctx := errgroup.WithContext(ctx)

		if cfg.Ops.Enabled {
			srv := ops.NewServer(cfg.Ops.Port, env.Store, env.Scheduler)
			g.Go(func() error { return srv.Start(ctx) })
		}

		g.Go(func() error { return env.Scheduler.Run(ctx) })

		zap.L().Info("sync daemon started",
			zap.Int("resources", len(cfg.Resources)),
			zap.Bool("ops_server", cfg.Ops.Enabled),
		)

		err = g.Wait()
		zap.L().Info("sync daemon stopped")
		if err != nil && ctx.Err() != nil {
			// Normal shutdown path.
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
