package build

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/patchburner/patchburner/internal/pipeline"
	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/types"
)

// Tester is the test-stage driver: one asynchronous meson test run tracked
// as a Test wrapper task plus a Run Test task.
type Tester struct {
	store   storage.Storage
	baseDir string
	run     Runner
	logger  *slog.Logger
}

var _ pipeline.StageDriver = (*Tester)(nil)

// NewTester creates a tester over the per-branch working root. A nil runner
// uses ExecRunner.
func NewTester(store storage.Storage, baseDir string, run Runner, logger *slog.Logger) *Tester {
	if run == nil {
		run = ExecRunner
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tester{store: store, baseDir: baseDir, run: run, logger: logger}
}

func (t *Tester) repoDir(branch *types.Branch) string {
	return filepath.Join(t.baseDir, strconv.FormatInt(branch.BranchID, 10), "repo")
}

// Begin creates the Test wrapper task on a clean ledger.
func (t *Tester) Begin(ctx context.Context, branch *types.Branch) (bool, error) {
	tasks, err := t.store.TasksForBranch(ctx, branch.BranchID)
	if err != nil {
		return false, fmt.Errorf("failed to check existing tasks: %w", err)
	}
	if len(tasks) > 0 {
		return false, nil
	}

	if err := t.store.CreateTask(ctx, &types.Task{
		TaskID:   fmt.Sprintf("Test %s", branch.BranchName),
		TaskName: "Test",
		PatchID:  branch.PatchID,
		BranchID: branch.BranchID,
		Position: 1,
		Status:   types.TaskCreated,
	}); err != nil {
		return false, fmt.Errorf("failed to create test task: %w", err)
	}
	return true, nil
}

// IsDone launches the test run in the background on the first poll; later
// polls complete the wrapper once the run finishes.
func (t *Tester) IsDone(ctx context.Context, branch *types.Branch) (bool, error) {
	tasks, err := t.store.TasksForBranch(ctx, branch.BranchID)
	if err != nil {
		return false, err
	}

	var wrapperTask *types.Task
	var runDone *bool
	for _, task := range tasks {
		switch task.TaskName {
		case "Run Test":
			done := task.IsDone()
			runDone = &done
		case "Test":
			wrapperTask = task
		}
	}
	if wrapperTask == nil {
		return false, fmt.Errorf("test task not found")
	}
	if wrapperTask.IsDone() {
		return true, nil
	}

	if wrapperTask.Status == types.TaskCreated {
		wrapperTask.Status = types.TaskExecuting
		if err := t.store.UpdateTask(ctx, wrapperTask); err != nil {
			return false, err
		}
	}

	if runDone == nil {
		if err := t.launchTestRun(ctx, branch); err != nil {
			return false, err
		}
		return false, nil
	}

	if *runDone {
		wrapperTask.Status = types.TaskCompleted
		if err := t.store.UpdateTask(ctx, wrapperTask); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// launchTestRun creates the Run Test task and runs meson test in the
// background.
//
// TODO: collect the testlog artifacts from build/meson-logs once the
// artifact retention policy is settled.
func (t *Tester) launchTestRun(ctx context.Context, branch *types.Branch) error {
	task := &types.Task{
		TaskID:   fmt.Sprintf("Meson Test %s", branch.BranchName),
		TaskName: "Run Test",
		PatchID:  branch.PatchID,
		BranchID: branch.BranchID,
		Position: 2,
		Status:   types.TaskExecuting,
	}
	if err := t.store.CreateTask(ctx, task); err != nil {
		return err
	}

	buildDir := filepath.Join(t.repoDir(branch), "build")
	go func() {
		bg := context.Background()
		stdout, stderr, runErr := t.run(bg, buildDir, "meson", "test")
		status := types.TaskCompleted
		if runErr != nil {
			status = types.TaskFailed
		}
		if err := pipeline.FinishTask(bg, t.store, task, status, stdout, stderr); err != nil {
			t.logger.Error("failed to finish test task", "error", err)
		}
	}()
	return nil
}

// DidFail sweeps the stage's tasks for failures.
func (t *Tester) DidFail(ctx context.Context, branch *types.Branch) (bool, error) {
	return pipeline.BranchHasFailedTask(ctx, t.store, branch.BranchID)
}

// Delay paces polling while the test run is in flight.
func (t *Tester) Delay(branch *types.Branch) *time.Duration {
	return pipeline.Delay(pollDelay)
}
