package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateQueueItemLastBaseCommit adds the last_base_commit_sha column to
// queue_items. It records the base commit a patch last built against so the
// ticker can skip rebuilds when upstream has not moved.
func MigrateQueueItemLastBaseCommit(db *sql.DB) error {
	var colName string
	err := db.QueryRow(`
		SELECT name FROM pragma_table_info('queue_items')
		WHERE name = 'last_base_commit_sha'
	`).Scan(&colName)

	if err == sql.ErrNoRows {
		if _, err := db.Exec(`ALTER TABLE queue_items ADD COLUMN last_base_commit_sha TEXT`); err != nil {
			return fmt.Errorf("failed to add last_base_commit_sha column: %w", err)
		}
		return nil
	}
	return err
}
