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

// pollDelay paces the engine while a background build or test run is in
// flight.
const pollDelay = 60 * time.Second

// Compiler is the compile-stage driver: a synchronous meson configure
// followed by an asynchronous ninja build, tracked as three ledger tasks
// (the Compile wrapper, Meson Setup, Ninja).
type Compiler struct {
	store   storage.Storage
	baseDir string
	run     Runner
	logger  *slog.Logger
}

var _ pipeline.StageDriver = (*Compiler)(nil)

// NewCompiler creates a compiler over the per-branch working root. A nil
// runner uses ExecRunner.
func NewCompiler(store storage.Storage, baseDir string, run Runner, logger *slog.Logger) *Compiler {
	if run == nil {
		run = ExecRunner
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{store: store, baseDir: baseDir, run: run, logger: logger}
}

func (c *Compiler) repoDir(branch *types.Branch) string {
	return filepath.Join(c.baseDir, strconv.FormatInt(branch.BranchID, 10), "repo")
}

func (c *Compiler) workingDir(branch *types.Branch) string {
	return filepath.Join(c.baseDir, strconv.FormatInt(branch.BranchID, 10), "work")
}

// Begin creates the Compile wrapper task. The engine cleared the ledger
// before this stage; anything left means a stale attempt, so abort.
func (c *Compiler) Begin(ctx context.Context, branch *types.Branch) (bool, error) {
	tasks, err := c.store.TasksForBranch(ctx, branch.BranchID)
	if err != nil {
		return false, fmt.Errorf("failed to check existing tasks: %w", err)
	}
	if len(tasks) > 0 {
		return false, nil
	}

	if err := c.store.CreateTask(ctx, &types.Task{
		TaskID:   fmt.Sprintf("Compile %s", branch.BranchName),
		TaskName: "Compile",
		PatchID:  branch.PatchID,
		BranchID: branch.BranchID,
		Position: 1,
		Status:   types.TaskCreated,
	}); err != nil {
		return false, fmt.Errorf("failed to create compile task: %w", err)
	}
	return true, nil
}

// IsDone runs the configure step synchronously on the first poll and launches
// the ninja build in the background; later polls report build progress. A
// configure failure completes the Compile wrapper immediately — the stage is
// over, and DidFail picks the failure up from the Meson Setup task.
func (c *Compiler) IsDone(ctx context.Context, branch *types.Branch) (bool, error) {
	tasks, err := c.store.TasksForBranch(ctx, branch.BranchID)
	if err != nil {
		return false, err
	}

	var compileTask *types.Task
	var configureDone, makeDone *bool
	for _, t := range tasks {
		switch t.TaskName {
		case "Meson Setup":
			done := t.IsDone()
			configureDone = &done
		case "Ninja":
			done := t.IsDone()
			makeDone = &done
		case "Compile":
			compileTask = t
		}
	}
	if compileTask == nil {
		return false, fmt.Errorf("compile task not found")
	}
	if compileTask.IsDone() {
		return true, nil
	}

	if compileTask.Status == types.TaskCreated {
		compileTask.Status = types.TaskExecuting
		if err := c.store.UpdateTask(ctx, compileTask); err != nil {
			return false, err
		}
	}

	if configureDone == nil {
		failed, err := c.runConfigure(ctx, branch)
		if err != nil {
			return false, err
		}
		if failed {
			compileTask.Status = types.TaskCompleted
			if err := c.store.UpdateTask(ctx, compileTask); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	if makeDone == nil {
		if err := c.launchNinja(ctx, branch); err != nil {
			return false, err
		}
	}

	if makeDone != nil && *makeDone && configureDone != nil && *configureDone {
		compileTask.Status = types.TaskCompleted
		if err := c.store.UpdateTask(ctx, compileTask); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// runConfigure runs meson setup synchronously and records the outcome on the
// Meson Setup task. Returns whether configure failed.
func (c *Compiler) runConfigure(ctx context.Context, branch *types.Branch) (bool, error) {
	task := &types.Task{
		TaskID:   fmt.Sprintf("Meson Setup %s", branch.BranchName),
		TaskName: "Meson Setup",
		PatchID:  branch.PatchID,
		BranchID: branch.BranchID,
		Position: 2,
		Status:   types.TaskExecuting,
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return false, err
	}

	prefix := filepath.Join(c.workingDir(branch), "install")
	stdout, stderr, runErr := c.run(ctx, c.repoDir(branch),
		"meson", "setup", "build", "--prefix="+prefix)

	status := types.TaskCompleted
	if runErr != nil {
		status = types.TaskFailed
	}
	if err := pipeline.FinishTask(ctx, c.store, task, status, stdout, stderr); err != nil {
		return false, err
	}
	if runErr != nil {
		c.logger.Warn("configure failed", "branch_id", branch.BranchID, "error", runErr)
	}
	return runErr != nil, nil
}

// launchNinja creates the Ninja task and runs the build in the background,
// reporting through the single FinishTask path.
func (c *Compiler) launchNinja(ctx context.Context, branch *types.Branch) error {
	task := &types.Task{
		TaskID:   fmt.Sprintf("Ninja %s", branch.BranchName),
		TaskName: "Ninja",
		PatchID:  branch.PatchID,
		BranchID: branch.BranchID,
		Position: 3,
		Status:   types.TaskExecuting,
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return err
	}

	buildDir := filepath.Join(c.repoDir(branch), "build")
	go func() {
		bg := context.Background()
		stdout, stderr, runErr := c.run(bg, buildDir, "ninja")
		status := types.TaskCompleted
		if runErr != nil {
			status = types.TaskFailed
		}
		if err := pipeline.FinishTask(bg, c.store, task, status, stdout, stderr); err != nil {
			c.logger.Error("failed to finish ninja task", "error", err)
		}
	}()
	return nil
}

// DidFail sweeps the stage's tasks for failures.
func (c *Compiler) DidFail(ctx context.Context, branch *types.Branch) (bool, error) {
	return pipeline.BranchHasFailedTask(ctx, c.store, branch.BranchID)
}

// Delay paces polling while the build runs.
func (c *Compiler) Delay(branch *types.Branch) *time.Duration {
	return pipeline.Delay(pollDelay)
}
