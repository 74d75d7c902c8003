package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/types"
)

const branchColumns = `patch_id, branch_id, branch_name, status, commit_id, apply_url,
	base_commit_sha, version, patch_count, first_additions, first_deletions,
	all_additions, all_deletions, needs_rebase_since, failing_since, created, modified`

func scanBranch(row rowScanner) (*types.Branch, error) {
	var b types.Branch
	var commitID, baseSHA, version sql.NullString
	var patchCount, firstAdd, firstDel, allAdd, allDel sql.NullInt64
	var needsRebase, failing sql.NullTime

	err := row.Scan(
		&b.PatchID, &b.BranchID, &b.BranchName, &b.Status, &commitID, &b.ApplyURL,
		&baseSHA, &version, &patchCount, &firstAdd, &firstDel,
		&allAdd, &allDel, &needsRebase, &failing, &b.Created, &b.Modified,
	)
	if err != nil {
		return nil, err
	}

	b.CommitID = commitID.String
	b.BaseCommitSHA = baseSHA.String
	b.Version = version.String
	b.PatchCount = nullableInt(patchCount)
	b.FirstAdditions = nullableInt(firstAdd)
	b.FirstDeletions = nullableInt(firstDel)
	b.AllAdditions = nullableInt(allAdd)
	b.AllDeletions = nullableInt(allDel)
	if needsRebase.Valid {
		b.NeedsRebaseSince = &needsRebase.Time
	}
	if failing.Valid {
		b.FailingSince = &failing.Time
	}
	return &b, nil
}

func nullableInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullableIntArg(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// UpsertBranch writes the branch row for its patch id, replacing any previous
// attempt. Created is preserved across updates; Modified is stamped here.
func (s *SQLiteStorage) UpsertBranch(ctx context.Context, b *types.Branch) error {
	now := time.Now()
	if b.Created.IsZero() {
		b.Created = now
	}
	b.Modified = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (
			patch_id, branch_id, branch_name, status, commit_id, apply_url,
			base_commit_sha, version, patch_count, first_additions, first_deletions,
			all_additions, all_deletions, needs_rebase_since, failing_since, created, modified
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(patch_id) DO UPDATE SET
			branch_id = excluded.branch_id,
			branch_name = excluded.branch_name,
			status = excluded.status,
			commit_id = excluded.commit_id,
			apply_url = excluded.apply_url,
			base_commit_sha = excluded.base_commit_sha,
			version = excluded.version,
			patch_count = excluded.patch_count,
			first_additions = excluded.first_additions,
			first_deletions = excluded.first_deletions,
			all_additions = excluded.all_additions,
			all_deletions = excluded.all_deletions,
			needs_rebase_since = excluded.needs_rebase_since,
			failing_since = excluded.failing_since,
			modified = excluded.modified
	`,
		b.PatchID, b.BranchID, b.BranchName, string(b.Status), nullableString(b.CommitID), b.ApplyURL,
		nullableString(b.BaseCommitSHA), nullableString(b.Version),
		nullableIntArg(b.PatchCount), nullableIntArg(b.FirstAdditions), nullableIntArg(b.FirstDeletions),
		nullableIntArg(b.AllAdditions), nullableIntArg(b.AllDeletions),
		nullableTime(b.NeedsRebaseSince), nullableTime(b.FailingSince), b.Created, b.Modified,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert branch: %w", err)
	}
	return nil
}

// GetBranch returns the branch for a patch id, or ErrBranchNotFound.
func (s *SQLiteStorage) GetBranch(ctx context.Context, patchID int64) (*types.Branch, error) {
	b, err := scanBranch(s.db.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE patch_id = ?`, patchID))
	if err == sql.ErrNoRows {
		return nil, storage.ErrBranchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}
	return b, nil
}

// ListBranches returns all branches ordered by patch id.
func (s *SQLiteStorage) ListBranches(ctx context.Context) ([]*types.Branch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+branchColumns+` FROM branches ORDER BY patch_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var out []*types.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan branch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
