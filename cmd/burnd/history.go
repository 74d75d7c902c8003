package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <branch-id>",
	Short: "Show a branch's history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		branchID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid branch id %q: %w", args[0], err)
		}
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer store.Close()

		history, err := store.GetBranchHistory(rootCtx, branchID, limit)
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{"history": history})
			return nil
		}
		if len(history) == 0 {
			fmt.Println("No history")
			return nil
		}
		for _, h := range history {
			fmt.Printf("%s  %-18s %d tasks\n",
				h.Modified.Format("2006-01-02 15:04:05"), h.Status, h.TaskCount)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 0, "maximum rows to show (0 = all)")
	rootCmd.AddCommand(historyCmd)
}
