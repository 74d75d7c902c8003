package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateTaskArtifactsTable creates the task_artifacts table for files saved
// while running a task (downloaded patches, test logs).
func MigrateTaskArtifactsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS task_artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			body BLOB,
			payload TEXT,
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create task_artifacts table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_task_artifacts_task ON task_artifacts(task_id)`)
	if err != nil {
		return fmt.Errorf("failed to create task_artifacts index: %w", err)
	}
	return nil
}
