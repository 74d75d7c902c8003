package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patchburner/patchburner/internal/pipeline"
)

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Dequeue the next patch and advance the cursor",
	Long: `Return the item under the cursor, mark it processed, advance the cursor
and make sure a branch record exists for the patch. Ignored items are
skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer store.Close()

		returned, newCurrent, err := store.Queue().GetAndAdvance(rootCtx)
		if err != nil {
			return fmt.Errorf("failed to advance queue: %w", err)
		}

		if returned == nil {
			if jsonOutput {
				outputJSON(map[string]interface{}{"returned": nil, "newcurrent": nil})
				return nil
			}
			fmt.Println("Nothing to process")
			return nil
		}

		branch, created, err := pipeline.EnsureBranch(rootCtx, store, returned.PatchID)
		if err != nil {
			return fmt.Errorf("failed to ensure branch: %w", err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"returned":   returned,
				"newcurrent": newCurrent,
				"branch":     branch,
			})
			return nil
		}
		fmt.Printf("patch %d  item %d  %s\n", returned.PatchID, returned.ID, returned.MessageID)
		if created {
			fmt.Printf("created branch %s\n", branch.BranchName)
		} else {
			fmt.Printf("reset branch %s\n", branch.BranchName)
		}
		if newCurrent != nil {
			fmt.Printf("cursor now at patch %d\n", newCurrent.PatchID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nextCmd)
}
