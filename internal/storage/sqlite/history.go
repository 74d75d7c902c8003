package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/patchburner/patchburner/internal/types"
)

// AppendBranchHistory inserts one snapshot row. History is append-only; rows
// are never updated or deleted.
func (s *SQLiteStorage) AppendBranchHistory(ctx context.Context, h *types.BranchHistory) error {
	if h.Modified.IsZero() {
		h.Modified = time.Now()
	}

	var tasks interface{}
	if len(h.Tasks) > 0 {
		tasks = string(h.Tasks)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO branch_history (
			patch_id, branch_id, branch_name, status, commit_id, base_commit_sha,
			patch_count, needs_rebase_since, failing_since, task_count, tasks, modified
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		h.PatchID, h.BranchID, h.BranchName, string(h.Status),
		nullableString(h.CommitID), nullableString(h.BaseCommitSHA),
		nullableIntArg(h.PatchCount), nullableTime(h.NeedsRebaseSince), nullableTime(h.FailingSince),
		h.TaskCount, tasks, h.Modified,
	)
	if err != nil {
		return fmt.Errorf("failed to append branch history: %w", err)
	}

	h.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get history id: %w", err)
	}
	return nil
}

// GetBranchHistory returns the most recent snapshots for a branch, newest
// first. limit <= 0 means no limit.
func (s *SQLiteStorage) GetBranchHistory(ctx context.Context, branchID int64, limit int) ([]*types.BranchHistory, error) {
	query := `
		SELECT id, patch_id, branch_id, branch_name, status, commit_id, base_commit_sha,
		       patch_count, needs_rebase_since, failing_since, task_count, tasks, modified
		FROM branch_history
		WHERE branch_id = ?
		ORDER BY id DESC
	`
	args := []interface{}{branchID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get branch history: %w", err)
	}
	defer rows.Close()

	var out []*types.BranchHistory
	for rows.Next() {
		var h types.BranchHistory
		var commitID, baseSHA, tasks sql.NullString
		var patchCount sql.NullInt64
		var needsRebase, failing sql.NullTime

		err := rows.Scan(
			&h.ID, &h.PatchID, &h.BranchID, &h.BranchName, &h.Status, &commitID, &baseSHA,
			&patchCount, &needsRebase, &failing, &h.TaskCount, &tasks, &h.Modified,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}

		h.CommitID = commitID.String
		h.BaseCommitSHA = baseSHA.String
		h.PatchCount = nullableInt(patchCount)
		if needsRebase.Valid {
			h.NeedsRebaseSince = &needsRebase.Time
		}
		if failing.Valid {
			h.FailingSince = &failing.Time
		}
		if tasks.Valid {
			h.Tasks = []byte(tasks.String)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}
