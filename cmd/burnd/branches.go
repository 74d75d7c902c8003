package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/patchburner/patchburner/internal/types"
)

var branchesCmd = &cobra.Command{
	Use:   "branches [patch-id]",
	Short: "List branch records",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer store.Close()

		var branches []*types.Branch
		if len(args) == 1 {
			patchID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid patch id %q: %w", args[0], err)
			}
			branch, err := store.GetBranch(rootCtx, patchID)
			if err != nil {
				return fmt.Errorf("failed to load branch for patch %d: %w", patchID, err)
			}
			branches = []*types.Branch{branch}
		} else {
			branches, err = store.ListBranches(rootCtx)
			if err != nil {
				return fmt.Errorf("failed to list branches: %w", err)
			}
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{"branches": branches})
			return nil
		}
		if len(branches) == 0 {
			fmt.Println("No branches")
			return nil
		}
		for _, b := range branches {
			line := fmt.Sprintf("%-12s patch %-6d %s", b.BranchName, b.PatchID, b.Status)
			if b.NeedsRebaseSince != nil {
				line += "  needs-rebase"
			}
			if b.FailingSince != nil {
				line += "  failing"
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(branchesCmd)
}
