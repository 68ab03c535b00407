package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medic-kiel/aql2fhir/internal/pseudonym"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the local pseudonymization key",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new pseudonymization key",
	Long: `Generate a random 256-bit key at pseudonym.key_path. Refuses to
overwrite an existing key: replacing the key changes every token the
deterministic engine produces, which breaks the link to all previously
delivered resources. Move the old key away first if that is intended.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Pseudonym.KeyPath
		if err := pseudonym.GenerateKey(path); err != nil {
			return err
		}
		fmt.Printf("key written to %s\n", path)
		return nil
	},
}

func init() {
	keyCmd.AddCommand(keyGenerateCmd)
	rootCmd.AddCommand(keyCmd)
}
