package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/medic-kiel/aql2fhir/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or reset sync checkpoints",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the checkpoint of every resource",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := state.Open(ctx, cfg.State)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}

		checkpoints, err := store.List(ctx)
		if err != nil {
			return err
		}
		if len(checkpoints) == 0 {
			fmt.Println("no checkpoints")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RESOURCE\tLAST RUN\tOFFSET\tUPDATED")
		for _, cp := range checkpoints {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				cp.ResourceType,
				cp.LastRunTime.Format("2006-01-02T15:04:05Z"),
				cp.LastOffset,
				cp.UpdatedAt.Format("2006-01-02T15:04:05Z"),
			)
		}
		return w.Flush()
	},
}

var stateClearCmd = &cobra.Command{
	Use:   "clear <resource>",
	Short: "Delete the checkpoint of a resource",
	Long: `Delete the checkpoint of a resource so its next cycle restarts from
the configured default start date. Already delivered resources are
updated in place on resync, not duplicated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := state.Open(ctx, cfg.State)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}

		name := args[0]
		cp, err := store.Get(ctx, name)
		if err != nil {
			return err
		}
		if cp == nil {
			return eris.Errorf("no checkpoint for resource %q", name)
		}
		if err := store.Clear(ctx, name); err != nil {
			return err
		}
		fmt.Printf("checkpoint for %s cleared (was %s)\n",
			name, cp.LastRunTime.Format("2006-01-02T15:04:05Z"))
		return nil
	},
}

func init() {
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateClearCmd)
	rootCmd.AddCommand(stateCmd)
}
