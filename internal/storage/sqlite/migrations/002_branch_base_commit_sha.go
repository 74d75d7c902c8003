package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateBranchBaseCommitSHA adds the base_commit_sha column to branches,
// captured by the apply stage after the merge commit.
func MigrateBranchBaseCommitSHA(db *sql.DB) error {
	var colName string
	err := db.QueryRow(`
		SELECT name FROM pragma_table_info('branches')
		WHERE name = 'base_commit_sha'
	`).Scan(&colName)

	if err == sql.ErrNoRows {
		if _, err := db.Exec(`ALTER TABLE branches ADD COLUMN base_commit_sha TEXT`); err != nil {
			return fmt.Errorf("failed to add base_commit_sha column: %w", err)
		}
		return nil
	}
	return err
}
