package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var ignoreCmd = &cobra.Command{
	Use:   "ignore <patch-id>",
	Short: "Mark a queued patch ignored so the cursor skips it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patchID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid patch id %q: %w", args[0], err)
		}
		clear, _ := cmd.Flags().GetBool("clear")

		store, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Queue().SetIgnoreDate(rootCtx, patchID, !clear); err != nil {
			return fmt.Errorf("failed to update ignore date: %w", err)
		}
		if clear {
			fmt.Printf("Patch %d no longer ignored\n", patchID)
		} else {
			fmt.Printf("Patch %d ignored\n", patchID)
		}
		return nil
	},
}

func init() {
	ignoreCmd.Flags().Bool("clear", false, "clear the ignore date instead of setting it")
	rootCmd.AddCommand(ignoreCmd)
}
