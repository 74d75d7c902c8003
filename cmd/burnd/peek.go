package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var peekCmd = &cobra.Command{
	Use:   "peek",
	Short: "Show the item under the cursor without moving it",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer store.Close()

		item, err := store.Queue().Peek(rootCtx)
		if err != nil {
			return fmt.Errorf("failed to peek queue: %w", err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{"item": item})
			return nil
		}
		if item == nil {
			fmt.Println("Queue is empty")
			return nil
		}
		fmt.Printf("patch %d  item %d  %s\n", item.PatchID, item.ID, item.MessageID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(peekCmd)
}
