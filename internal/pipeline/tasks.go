package pipeline

import (
	"context"
	"encoding/json"

	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/types"
)

// OutputPayload is the terminal payload of a task that ran an external
// command.
type OutputPayload struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// FinishTask is the single code path background workers use to write a
// task's terminal status and captured output. Drivers hand it to their
// goroutines as the completion callback.
func FinishTask(ctx context.Context, store storage.Storage, task *types.Task, status types.TaskStatus, stdout, stderr string) error {
	payload, err := json.Marshal(OutputPayload{Stdout: stdout, Stderr: stderr})
	if err != nil {
		return err
	}
	task.Status = status
	task.Payload = payload
	return store.UpdateTask(ctx, task)
}

// AbortTask marks a task ABORTED with the error text as its payload. Used
// when background work raised an error instead of finishing.
func AbortTask(ctx context.Context, store storage.Storage, task *types.Task, cause error) error {
	payload, err := json.Marshal(map[string]string{"error": cause.Error()})
	if err != nil {
		return err
	}
	task.Status = types.TaskAborted
	task.Payload = payload
	return store.UpdateTask(ctx, task)
}

// BranchHasFailedTask sweeps a branch's ledger for any terminal failure.
func BranchHasFailedTask(ctx context.Context, store storage.Storage, branchID int64) (bool, error) {
	tasks, err := store.TasksForBranch(ctx, branchID)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.IsFailure() {
			return true, nil
		}
	}
	return false, nil
}

// BranchTasksDone reports whether every task of a branch is terminal and at
// least one task exists.
func BranchTasksDone(ctx context.Context, store storage.Storage, branchID int64) (bool, error) {
	tasks, err := store.TasksForBranch(ctx, branchID)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}
	for _, t := range tasks {
		if !t.IsDone() {
			return false, nil
		}
	}
	return true, nil
}
