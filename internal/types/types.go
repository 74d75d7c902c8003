// Package types defines the core data structures shared by the queue,
// pipeline and storage layers.
package types

import (
	"encoding/json"
	"time"
)

// BranchStatus is the lifecycle state of one pipeline attempt.
type BranchStatus string

const (
	StatusNew             BranchStatus = "new"
	StatusApplying        BranchStatus = "applying"
	StatusApplied         BranchStatus = "applied"
	StatusApplyingFailed  BranchStatus = "applying-failed"
	StatusApplyingAborted BranchStatus = "applying-aborted"
	StatusCompiling       BranchStatus = "compiling"
	StatusCompiled        BranchStatus = "compiled"
	StatusCompilingFailed BranchStatus = "compiling-failed"
	StatusCompilingAbort  BranchStatus = "compiling-aborted"
	StatusTesting         BranchStatus = "testing"
	StatusTested          BranchStatus = "tested"
	StatusTestingFailed   BranchStatus = "testing-failed"
	StatusTestingAborted  BranchStatus = "testing-aborted"
	StatusNotifying       BranchStatus = "notifying"
	StatusFinished        BranchStatus = "finished"
)

// IsTerminal reports whether no further engine transition can change s.
func (s BranchStatus) IsTerminal() bool {
	switch s {
	case StatusFinished,
		StatusApplyingFailed, StatusApplyingAborted,
		StatusCompilingFailed, StatusCompilingAbort,
		StatusTestingFailed, StatusTestingAborted:
		return true
	}
	return false
}

// TaskStatus is the state of one ledger task or command.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "CREATED"
	TaskExecuting TaskStatus = "EXECUTING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskAborted   TaskStatus = "ABORTED"
	TaskErrored   TaskStatus = "ERRORED"
	// TaskIgnored is used on commands that were skipped after an earlier
	// failure, and on non-patch attachments.
	TaskIgnored TaskStatus = "IGNORED"
)

// IsDone reports whether the status is terminal.
func (s TaskStatus) IsDone() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskAborted, TaskErrored:
		return true
	}
	return false
}

// IsFailure reports whether the status is a terminal failure.
func (s TaskStatus) IsFailure() bool {
	switch s {
	case TaskFailed, TaskAborted, TaskErrored:
		return true
	}
	return false
}

// QueueItem is one entry in the ring queue. The list is doubly linked through
// LLPrev/LLNext by row id; the head has LLPrev nil and the tail LLNext nil.
type QueueItem struct {
	ID                int64      `json:"id"`
	PatchID           int64      `json:"patch_id"`
	MessageID         string     `json:"message_id"`
	IgnoreDate        *time.Time `json:"ignore_date,omitempty"`
	ProcessedDate     *time.Time `json:"processed_date,omitempty"`
	LLPrev            *int64     `json:"ll_prev,omitempty"`
	LLNext            *int64     `json:"ll_next,omitempty"`
	LastBaseCommitSHA string     `json:"last_base_commit_sha,omitempty"`
}

// Attachment is one file of a patch set, recorded at enqueue time.
type Attachment struct {
	AttachmentID int64     `json:"attachmentid"`
	PatchID      int64     `json:"patch_id"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"content_type,omitempty"`
	IsPatch      bool      `json:"ispatch"`
	Author       string    `json:"author,omitempty"`
	Date         time.Time `json:"date"`
}

// Branch is one attempted pipeline run against one patch set. It is keyed by
// patch id; a retry rewrites the same row.
type Branch struct {
	PatchID          int64        `json:"patch_id"`
	BranchID         int64        `json:"branch_id"`
	BranchName       string       `json:"branch_name"`
	Status           BranchStatus `json:"status"`
	CommitID         string       `json:"commit_id,omitempty"`
	ApplyURL         string       `json:"apply_url,omitempty"`
	BaseCommitSHA    string       `json:"base_commit_sha,omitempty"`
	Version          string       `json:"version,omitempty"`
	PatchCount       *int         `json:"patch_count,omitempty"`
	FirstAdditions   *int         `json:"first_additions,omitempty"`
	FirstDeletions   *int         `json:"first_deletions,omitempty"`
	AllAdditions     *int         `json:"all_additions,omitempty"`
	AllDeletions     *int         `json:"all_deletions,omitempty"`
	NeedsRebaseSince *time.Time   `json:"needs_rebase_since,omitempty"`
	FailingSince     *time.Time   `json:"failing_since,omitempty"`
	Created          time.Time    `json:"created"`
	Modified         time.Time    `json:"modified"`
}

// BranchHistory is an append-only snapshot of a branch at one notifier
// invocation, plus the tasks that existed at that moment.
type BranchHistory struct {
	ID               int64           `json:"id"`
	PatchID          int64           `json:"patch_id"`
	BranchID         int64           `json:"branch_id"`
	BranchName       string          `json:"branch_name"`
	Status           BranchStatus    `json:"status"`
	CommitID         string          `json:"commit_id,omitempty"`
	BaseCommitSHA    string          `json:"base_commit_sha,omitempty"`
	PatchCount       *int            `json:"patch_count,omitempty"`
	NeedsRebaseSince *time.Time      `json:"needs_rebase_since,omitempty"`
	FailingSince     *time.Time      `json:"failing_since,omitempty"`
	TaskCount        int             `json:"task_count"`
	Tasks            json.RawMessage `json:"tasks,omitempty"`
	Modified         time.Time       `json:"modified"`
}

// Task is one coarse step of a pipeline stage (Download, Apply, Compile,
// Meson Setup, Ninja, Test, Run Test).
type Task struct {
	ID       int64           `json:"id"`
	TaskID   string          `json:"task_id"`
	TaskName string          `json:"task_name"`
	PatchID  int64           `json:"patch_id"`
	BranchID int64           `json:"branch_id"`
	Position int             `json:"position"`
	Status   TaskStatus      `json:"status"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Created  time.Time       `json:"created"`
	Modified time.Time       `json:"modified"`
}

// IsDone reports whether the task reached a terminal status.
func (t *Task) IsDone() bool { return t.Status.IsDone() }

// IsFailure reports whether the task reached a terminal failure status.
func (t *Task) IsFailure() bool { return t.Status.IsFailure() }

// TaskCommand is one sub-step of a task, e.g. a single file download or a
// single patch application.
type TaskCommand struct {
	ID       int64           `json:"id"`
	TaskID   int64           `json:"task_id"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Status   TaskStatus      `json:"status"`
	Duration int64           `json:"duration"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Command types used by the stage drivers.
const (
	CommandPatchsetFile = "Patchset File"
	CommandOtherFile    = "Other File"
	CommandApplyPatch   = "Apply Patch"
)

// TaskArtifact records one file saved while running a task.
type TaskArtifact struct {
	ID      int64           `json:"id"`
	TaskID  int64           `json:"task_id"`
	Name    string          `json:"name"`
	Path    string          `json:"path"`
	Size    int64           `json:"size"`
	Body    []byte          `json:"body,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TaskSnapshot is the per-task tuple embedded in a history row.
type TaskSnapshot struct {
	TaskID   string          `json:"task_id"`
	TaskName string          `json:"task_name"`
	Status   TaskStatus      `json:"status"`
	Created  time.Time       `json:"created"`
	Modified time.Time       `json:"modified"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}
