// Package sqlite - database migrations
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/patchburner/patchburner/internal/storage/sqlite/migrations"
)

// Migration represents a single database migration
type Migration struct {
	Name string
	Func func(*sql.DB) error
}

// migrationsList is the ordered list of all migrations to run during
// database initialization. All migrations are idempotent.
var migrationsList = []Migration{
	{"queue_item_last_base_commit", migrations.MigrateQueueItemLastBaseCommit},
	{"branch_base_commit_sha", migrations.MigrateBranchBaseCommitSHA},
	{"task_artifacts_table", migrations.MigrateTaskArtifactsTable},
}

// runMigrations applies all registered migrations in order.
func runMigrations(db *sql.DB) error {
	for _, m := range migrationsList {
		if err := m.Func(db); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
	}
	return nil
}
