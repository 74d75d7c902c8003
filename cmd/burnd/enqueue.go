package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/patchburner/patchburner/internal/types"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <patch-id> <message-id>",
	Short: "Insert a patch set into the ring queue",
	Long: `Insert a patch set into the ring queue at its fair position.

Re-enqueueing a patch with the same message id is a no-op; a new message id
replaces the queued patch set and re-enters the ring.

Files are given as attachment-id:filename pairs; names ending in .patch or
.diff are treated as patches, everything else is carried along untouched.

Examples:
  burnd enqueue 4980 "<msg-1@example.org>"
  burnd enqueue 4980 "<msg-2@example.org>" --file 101:0001-fix.patch --file 102:notes.txt
`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		patchID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid patch id %q: %w", args[0], err)
		}
		messageID := args[1]
		files, _ := cmd.Flags().GetStringSlice("file")

		attachments, err := parseFileset(patchID, files)
		if err != nil {
			return err
		}

		store, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer store.Close()

		item, err := store.Queue().Insert(rootCtx, patchID, messageID)
		if err != nil {
			return fmt.Errorf("failed to enqueue patch %d: %w", patchID, err)
		}
		if len(attachments) > 0 {
			if err := store.ReplaceAttachments(rootCtx, patchID, attachments); err != nil {
				return fmt.Errorf("failed to record attachments: %w", err)
			}
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{"item": item, "attachments": attachments})
			return nil
		}
		fmt.Printf("Enqueued patch %d (item %d, message %s)\n", patchID, item.ID, item.MessageID)
		for _, a := range attachments {
			kind := "file"
			if a.IsPatch {
				kind = "patch"
			}
			fmt.Printf("  %s %d: %s\n", kind, a.AttachmentID, a.Filename)
		}
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringSlice("file", nil, "attachment as id:filename (repeatable)")
	rootCmd.AddCommand(enqueueCmd)
}

func parseFileset(patchID int64, files []string) ([]*types.Attachment, error) {
	var attachments []*types.Attachment
	for _, f := range files {
		id, filename, ok := strings.Cut(f, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --file %q: want id:filename", f)
		}
		attachmentID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid attachment id in %q: %w", f, err)
		}
		ext := strings.ToLower(filepath.Ext(filename))
		attachments = append(attachments, &types.Attachment{
			AttachmentID: attachmentID,
			PatchID:      patchID,
			Filename:     filename,
			IsPatch:      ext == ".patch" || ext == ".diff",
			Date:         time.Now(),
		})
	}
	return attachments, nil
}
