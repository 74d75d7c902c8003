package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process <patch-id>",
	Short: "Run pipeline steps on a patch's branch",
	Long: `Run one engine step on the branch for a patch, or with --follow keep
stepping, honoring each stage's delay hint, until the branch settles in a
terminal status.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patchID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid patch id %q: %w", args[0], err)
		}
		follow, _ := cmd.Flags().GetBool("follow")

		store, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer store.Close()

		branch, err := store.GetBranch(rootCtx, patchID)
		if err != nil {
			return fmt.Errorf("failed to load branch for patch %d: %w", patchID, err)
		}
		engine := buildEngine(store, slog.Default())

		for {
			from := branch.Status
			delay, err := engine.Step(rootCtx, branch)
			if err != nil {
				return fmt.Errorf("failed to step branch %s: %w", branch.BranchName, err)
			}
			if !jsonOutput {
				fmt.Printf("%s: %s -> %s\n", branch.BranchName, from, branch.Status)
			}
			if delay == nil || !follow {
				if jsonOutput {
					outputJSON(map[string]interface{}{
						"branch":      branch,
						"rescheduled": delay != nil,
					})
				}
				return nil
			}
			if *delay > 0 {
				time.Sleep(*delay)
			}
		}
	},
}

func init() {
	processCmd.Flags().Bool("follow", false, "keep stepping until the branch is terminal")
	rootCmd.AddCommand(processCmd)
}
