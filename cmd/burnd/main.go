// Command burnd is the patch-burner daemon and its operator CLI: a ring
// queue of patch sets, a per-branch apply/compile/test pipeline, and the
// REST surface the review UI polls.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/patchburner/patchburner/internal/config"
)

var rootCtx = context.Background()

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "burnd",
	Short: "Patch-burner queue and pipeline daemon",
	Long: `burnd maintains a round-robin ring queue of patch sets and drives each
dequeued patch through apply, compile and test stages, recording every step
in a task ledger.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		// Flags override config and environment.
		if cmd.Flags().Changed("db") {
			db, _ := cmd.Flags().GetString("db")
			config.Set("db", db)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "database file path (default from config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
}

func outputJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
