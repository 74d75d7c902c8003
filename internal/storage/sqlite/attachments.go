package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/patchburner/patchburner/internal/types"
)

// ReplaceAttachments swaps the recorded file set of a patch. The enqueue
// endpoint sends the full set every time, so replace is simpler than diffing.
func (s *SQLiteStorage) ReplaceAttachments(ctx context.Context, patchID int64, attachments []*types.Attachment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM attachments WHERE patch_id = ?`, patchID); err != nil {
			return fmt.Errorf("failed to delete attachments: %w", err)
		}
		for _, a := range attachments {
			date := a.Date
			if date.IsZero() {
				date = time.Now()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attachments (attachment_id, patch_id, filename, content_type, is_patch, author, date)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, a.AttachmentID, patchID, a.Filename, a.ContentType, a.IsPatch, a.Author, date); err != nil {
				return fmt.Errorf("failed to insert attachment: %w", err)
			}
		}
		return nil
	})
}

// GetAttachments returns a patch's files in filename order, the order the
// apply stage downloads and applies them in.
func (s *SQLiteStorage) GetAttachments(ctx context.Context, patchID int64) ([]*types.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attachment_id, patch_id, filename, content_type, is_patch, author, date
		FROM attachments WHERE patch_id = ? ORDER BY filename
	`, patchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var out []*types.Attachment
	for rows.Next() {
		var a types.Attachment
		if err := rows.Scan(&a.AttachmentID, &a.PatchID, &a.Filename, &a.ContentType, &a.IsPatch, &a.Author, &a.Date); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
