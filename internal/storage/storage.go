// Package storage defines the interface for pipeline storage backends.
package storage

import (
	"context"
	"errors"

	"github.com/patchburner/patchburner/internal/types"
)

// ErrQueueNotFound is returned when the singleton queue row does not exist.
var ErrQueueNotFound = errors.New("queue not initialized")

// ErrItemNotFound is returned when a queue item id is unknown.
var ErrItemNotFound = errors.New("queue item not found")

// ErrBranchNotFound is returned when no branch exists for a patch id.
var ErrBranchNotFound = errors.New("branch not found")

// ErrTaskNotFound is returned when a task id is unknown.
var ErrTaskNotFound = errors.New("task not found")

// Queue is the ring queue of patch-set references. There is exactly one queue
// per store; the store's Queue method is the only accessor.
//
// The item list is doubly linked and circular in usage: the head has a nil
// prev link and the tail a nil next link, and the cursor wraps from the tail
// back to the head. At every committed state there is exactly one head and
// exactly one tail.
type Queue interface {
	// Insert adds a patch set at its fair position: immediately after the
	// contiguous block of processed items that follows the cursor. Inserting
	// an existing patch id with the same message id returns the existing item
	// unchanged; a different message id replaces the item (the new patch set
	// re-enters at a fair position).
	Insert(ctx context.Context, patchID int64, messageID string) (*types.QueueItem, error)

	// Remove splices the item out of the ring. If the cursor pointed at it,
	// the cursor advances (wrapping to the head, or nil for a now-empty queue).
	Remove(ctx context.Context, itemID int64) error

	// GetAndAdvance returns the item under the cursor and the item the cursor
	// moved to, marking the returned item processed. Items with an ignore
	// date are skipped; a queue of only ignored items yields (nil, nil).
	GetAndAdvance(ctx context.Context) (returned, newCurrent *types.QueueItem, err error)

	// Peek returns the item under the cursor without moving it.
	Peek(ctx context.Context) (*types.QueueItem, error)

	// GetFirst returns the head of the list (nil prev link).
	GetFirst(ctx context.Context) (*types.QueueItem, error)

	// Items returns the whole ring in list order, head first.
	Items(ctx context.Context) ([]*types.QueueItem, error)

	// ItemByPatchID returns the item for a patch id, or ErrItemNotFound.
	ItemByPatchID(ctx context.Context, patchID int64) (*types.QueueItem, error)

	// SetIgnoreDate stamps (or clears) the ignore date on a patch's item.
	SetIgnoreDate(ctx context.Context, patchID int64, ignore bool) error

	// SetLastBaseCommit records the base commit a patch last built against.
	SetLastBaseCommit(ctx context.Context, patchID int64, sha string) error
}

// Storage is the persistent store behind the queue, the branch records and
// the task ledger.
type Storage interface {
	// Queue returns the singleton ring queue.
	Queue() Queue

	// Branches
	UpsertBranch(ctx context.Context, branch *types.Branch) error
	GetBranch(ctx context.Context, patchID int64) (*types.Branch, error)
	ListBranches(ctx context.Context) ([]*types.Branch, error)

	// Branch history (append-only)
	AppendBranchHistory(ctx context.Context, h *types.BranchHistory) error
	GetBranchHistory(ctx context.Context, branchID int64, limit int) ([]*types.BranchHistory, error)

	// Task ledger
	CreateTask(ctx context.Context, task *types.Task) error
	UpdateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	TasksForBranch(ctx context.Context, branchID int64) ([]*types.Task, error)
	FirstTaskNamed(ctx context.Context, branchID int64, taskName string) (*types.Task, error)
	ClearTasks(ctx context.Context, branchID int64) error

	CreateCommand(ctx context.Context, cmd *types.TaskCommand) error
	UpdateCommand(ctx context.Context, cmd *types.TaskCommand) error
	CommandsForTask(ctx context.Context, taskID int64, cmdType string) ([]*types.TaskCommand, error)

	CreateArtifact(ctx context.Context, artifact *types.TaskArtifact) error
	ArtifactsForTask(ctx context.Context, taskID int64) ([]*types.TaskArtifact, error)

	// Attachments (the patch set's files, recorded at enqueue time)
	ReplaceAttachments(ctx context.Context, patchID int64, attachments []*types.Attachment) error
	GetAttachments(ctx context.Context, patchID int64) ([]*types.Attachment, error)

	// Lifecycle
	Close() error

	// Path returns the backing file path, or "" for in-memory stores.
	Path() string
}

// Config holds database configuration.
type Config struct {
	Backend string // "sqlite" or "memory"
	Path    string // database file path for sqlite
}
