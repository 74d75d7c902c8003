package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/patchburner/patchburner/internal/storage/memory"
	"github.com/patchburner/patchburner/internal/types"
)

func createTask(t *testing.T, store *memory.MemoryStorage, taskID string, branchID int64, status types.TaskStatus) *types.Task {
	t.Helper()
	task := &types.Task{
		TaskID: taskID, TaskName: taskID, PatchID: branchID, BranchID: branchID,
		Position: 1, Status: status,
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func TestFinishTaskWritesOutput(t *testing.T) {
	store := memory.New("")
	ctx := context.Background()
	task := createTask(t, store, "Ninja-1", 1, types.TaskExecuting)

	if err := FinishTask(ctx, store, task, types.TaskCompleted, "built fine", "warning: x"); err != nil {
		t.Fatalf("FinishTask failed: %v", err)
	}

	got, err := store.GetTask(ctx, "Ninja-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != types.TaskCompleted {
		t.Errorf("status = %q, want COMPLETED", got.Status)
	}
	var payload OutputPayload
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if payload.Stdout != "built fine" || payload.Stderr != "warning: x" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestAbortTaskRecordsError(t *testing.T) {
	store := memory.New("")
	ctx := context.Background()
	task := createTask(t, store, "Download-2", 2, types.TaskExecuting)

	if err := AbortTask(ctx, store, task, errors.New("template directory missing")); err != nil {
		t.Fatalf("AbortTask failed: %v", err)
	}

	got, err := store.GetTask(ctx, "Download-2")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != types.TaskAborted {
		t.Errorf("status = %q, want ABORTED", got.Status)
	}
	var payload map[string]string
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if payload["error"] != "template directory missing" {
		t.Errorf("error payload = %q", payload["error"])
	}
}

func TestBranchHasFailedTask(t *testing.T) {
	store := memory.New("")
	ctx := context.Background()

	createTask(t, store, "Compile-3", 3, types.TaskCompleted)
	failed, err := BranchHasFailedTask(ctx, store, 3)
	if err != nil {
		t.Fatalf("BranchHasFailedTask failed: %v", err)
	}
	if failed {
		t.Errorf("clean ledger reported as failed")
	}

	createTask(t, store, "Ninja-3", 3, types.TaskFailed)
	failed, err = BranchHasFailedTask(ctx, store, 3)
	if err != nil {
		t.Fatalf("BranchHasFailedTask failed: %v", err)
	}
	if !failed {
		t.Errorf("FAILED task not detected")
	}
}

func TestBranchTasksDone(t *testing.T) {
	store := memory.New("")
	ctx := context.Background()

	// An empty ledger is not done: the stage has not even begun.
	done, err := BranchTasksDone(ctx, store, 4)
	if err != nil {
		t.Fatalf("BranchTasksDone failed: %v", err)
	}
	if done {
		t.Errorf("empty ledger reported done")
	}

	running := createTask(t, store, "Test-4", 4, types.TaskExecuting)
	done, _ = BranchTasksDone(ctx, store, 4)
	if done {
		t.Errorf("running task reported done")
	}

	running.Status = types.TaskCompleted
	if err := store.UpdateTask(ctx, running); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	done, _ = BranchTasksDone(ctx, store, 4)
	if !done {
		t.Errorf("all-terminal ledger not reported done")
	}
}

func TestEnsureBranchCreatesAndResets(t *testing.T) {
	store := memory.New("")
	ctx := context.Background()

	branch, created, err := EnsureBranch(ctx, store, 55)
	if err != nil {
		t.Fatalf("EnsureBranch failed: %v", err)
	}
	if !created {
		t.Errorf("first EnsureBranch should report a new branch")
	}
	if branch.BranchName != "cf/55" || branch.BranchID != 55 {
		t.Errorf("branch identity = %q/%d", branch.BranchName, branch.BranchID)
	}
	if branch.Status != types.StatusNew {
		t.Errorf("status = %q, want new", branch.Status)
	}

	branch.Status = types.StatusFinished
	if err := store.UpsertBranch(ctx, branch); err != nil {
		t.Fatalf("UpsertBranch failed: %v", err)
	}

	reset, created, err := EnsureBranch(ctx, store, 55)
	if err != nil {
		t.Fatalf("second EnsureBranch failed: %v", err)
	}
	if created {
		t.Errorf("second EnsureBranch should not report a new branch")
	}
	if reset.Status != types.StatusNew {
		t.Errorf("re-ensure should reset to new, got %q", reset.Status)
	}
}
