package sqlite

const schema = `
-- Singleton queue. The partial unique index on the constant weight column
-- allows at most one row.
CREATE TABLE IF NOT EXISTS queues (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    current_queue_item INTEGER,
    weight INTEGER NOT NULL DEFAULT 1 CHECK(weight = 1)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_queues_singleton ON queues(weight);

-- Ring queue items. Doubly linked through ll_prev/ll_next by row id; the
-- partial unique indexes enforce exactly one head (ll_prev IS NULL) and one
-- tail (ll_next IS NULL) per queue at every committed state. SQLite checks
-- uniqueness per statement, so link edits are ordered to never produce two
-- NULL links mid-transaction (see queue.go).
CREATE TABLE IF NOT EXISTS queue_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    queue_id INTEGER NOT NULL,
    patch_id INTEGER NOT NULL,
    message_id TEXT NOT NULL,
    ignore_date DATETIME,
    processed_date DATETIME,
    ll_prev INTEGER,
    ll_next INTEGER,
    FOREIGN KEY (queue_id) REFERENCES queues(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_patch ON queue_items(patch_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_first ON queue_items(queue_id) WHERE ll_prev IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_last ON queue_items(queue_id) WHERE ll_next IS NULL;

-- One branch per patch; a retry attempt rewrites the row.
CREATE TABLE IF NOT EXISTS branches (
    patch_id INTEGER PRIMARY KEY,
    branch_id INTEGER NOT NULL,
    branch_name TEXT NOT NULL,
    status TEXT NOT NULL,
    commit_id TEXT,
    apply_url TEXT NOT NULL DEFAULT '',
    version TEXT,
    patch_count INTEGER,
    first_additions INTEGER,
    first_deletions INTEGER,
    all_additions INTEGER,
    all_deletions INTEGER,
    needs_rebase_since DATETIME,
    failing_since DATETIME,
    created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    modified DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_branches_status ON branches(status);

-- Append-only branch snapshots, one per notifier invocation. tasks holds a
-- JSON array of {task_id, task_name, status, created, modified, payload}.
CREATE TABLE IF NOT EXISTS branch_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    patch_id INTEGER NOT NULL,
    branch_id INTEGER NOT NULL,
    branch_name TEXT NOT NULL,
    status TEXT NOT NULL,
    commit_id TEXT,
    base_commit_sha TEXT,
    patch_count INTEGER,
    needs_rebase_since DATETIME,
    failing_since DATETIME,
    task_count INTEGER NOT NULL DEFAULT 0,
    tasks TEXT,
    modified DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_branch_history_branch ON branch_history(branch_id, modified);

-- Task ledger. task_id is the external CI system's identifier; its format is
-- opaque, so it is stored as text.
CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL UNIQUE,
    task_name TEXT NOT NULL,
    patch_id INTEGER NOT NULL,
    branch_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    status TEXT NOT NULL,
    payload TEXT,
    created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    modified DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_branch ON tasks(branch_id, position);

CREATE TABLE IF NOT EXISTS task_commands (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    duration INTEGER NOT NULL DEFAULT 0,
    payload TEXT,
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_task_commands_task ON task_commands(task_id, name);

-- Patch set files recorded at enqueue time; read by the apply stage.
CREATE TABLE IF NOT EXISTS attachments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    attachment_id INTEGER NOT NULL,
    patch_id INTEGER NOT NULL,
    filename TEXT NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    is_patch INTEGER NOT NULL DEFAULT 0,
    author TEXT NOT NULL DEFAULT '',
    date DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (patch_id, attachment_id)
);

CREATE INDEX IF NOT EXISTS idx_attachments_patch ON attachments(patch_id, filename);
`
