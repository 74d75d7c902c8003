package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the ring queue in list order",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer store.Close()

		items, err := store.Queue().Items(rootCtx)
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		current, err := store.Queue().Peek(rootCtx)
		if err != nil {
			return fmt.Errorf("failed to read cursor: %w", err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{"items": items, "current": current})
			return nil
		}

		if len(items) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}
		for _, item := range items {
			marker := " "
			if current != nil && current.ID == item.ID {
				marker = ">"
			}
			flags := ""
			if item.ProcessedDate != nil {
				flags += " processed"
			}
			if item.IgnoreDate != nil {
				flags += " ignored"
			}
			fmt.Printf("%s patch %-6d item %-4d %s%s\n",
				marker, item.PatchID, item.ID, item.MessageID, flags)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
}
