package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medic-kiel/aql2fhir/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "aql2fhir",
	Short: "Incremental openEHR to FHIR sync pipeline",
	Long:  "Polls an openEHR repository with windowed AQL queries, pseudonymizes identifying fields, renders FHIR resources from declarative mappings and upserts them into a FHIR server.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
