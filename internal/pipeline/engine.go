package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/types"
)

// ErrInvalidState is returned when a branch carries a status the engine does
// not know. This is a programmer error, not a pipeline outcome.
var ErrInvalidState = errors.New("invalid branch status")

// Engine drives one branch through its lifecycle, one transition per Step
// call. Ticks for a single branch must be serialized by the caller; distinct
// branches may step concurrently.
type Engine struct {
	store    storage.Storage
	applier  StageDriver
	compiler StageDriver
	tester   StageDriver
	notifier Notifier
	logger   *slog.Logger
}

// NewEngine wires an engine from its stage drivers and notifier.
func NewEngine(store storage.Storage, applier, compiler, tester StageDriver, notifier Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		applier:  applier,
		compiler: compiler,
		tester:   tester,
		notifier: notifier,
		logger:   logger,
	}
}

// Step advances the branch by at most one transition and returns the delay
// hint for the next tick: nil means no automatic re-tick, zero means tick
// again immediately.
//
// The branch is mutated in place. Persistence happens through the notifier,
// which runs after every call whether or not the status changed and is the
// sole source of history rows.
func (e *Engine) Step(ctx context.Context, branch *types.Branch) (*time.Duration, error) {
	if branch == nil {
		return nil, fmt.Errorf("branch cannot be nil")
	}

	delay := delayImmediate()
	oldStatus := branch.Status

	switch oldStatus {
	case types.StatusNew:
		// Tasks are deliberately not cleared here: a leftover ledger means a
		// previous attempt was not cleaned up, and the applier refuses to
		// begin, aborting the stage.
		if e.begin(ctx, e.applier, branch) {
			branch.Status = types.StatusApplying
		} else {
			branch.Status = types.StatusApplyingAborted
			delay = nil
		}

	case types.StatusApplying:
		delay = e.poll(ctx, e.applier, branch,
			types.StatusApplied, types.StatusApplyingFailed)

	case types.StatusApplied:
		if err := e.store.ClearTasks(ctx, branch.BranchID); err != nil {
			return nil, fmt.Errorf("failed to clear tasks: %w", err)
		}
		if e.begin(ctx, e.compiler, branch) {
			branch.Status = types.StatusCompiling
		} else {
			branch.Status = types.StatusCompilingAbort
			delay = nil
		}

	case types.StatusCompiling:
		delay = e.poll(ctx, e.compiler, branch,
			types.StatusCompiled, types.StatusCompilingFailed)

	case types.StatusCompiled:
		if err := e.store.ClearTasks(ctx, branch.BranchID); err != nil {
			return nil, fmt.Errorf("failed to clear tasks: %w", err)
		}
		if e.begin(ctx, e.tester, branch) {
			branch.Status = types.StatusTesting
		} else {
			branch.Status = types.StatusTestingAborted
			delay = nil
		}

	case types.StatusTesting:
		delay = e.poll(ctx, e.tester, branch,
			types.StatusTested, types.StatusTestingFailed)

	case types.StatusTested:
		if err := e.store.ClearTasks(ctx, branch.BranchID); err != nil {
			return nil, fmt.Errorf("failed to clear tasks: %w", err)
		}
		branch.Status = types.StatusNotifying
		if err := e.notifier.BranchTested(ctx, branch); err != nil {
			e.logger.Warn("branch tested notification failed",
				"branch_id", branch.BranchID, "error", err)
		}
		branch.Status = types.StatusFinished
		delay = nil

	case types.StatusFinished,
		types.StatusApplyingAborted, types.StatusApplyingFailed,
		types.StatusCompilingAbort, types.StatusCompilingFailed,
		types.StatusTestingAborted, types.StatusTestingFailed:
		// Terminal: stepping again is allowed but does nothing.
		delay = nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, oldStatus)
	}

	// Notifier failures do not undo a transition; the history row for this
	// tick may be missing.
	if err := e.notifier.BranchUpdated(ctx, branch); err != nil {
		e.logger.Warn("branch update notification failed",
			"branch_id", branch.BranchID, "status", branch.Status, "error", err)
	}

	if oldStatus != branch.Status {
		e.logger.Info("branch transition",
			"branch_id", branch.BranchID, "patch_id", branch.PatchID,
			"from", oldStatus, "to", branch.Status)
	}
	return delay, nil
}

// begin runs a driver's Begin, folding errors into an abort.
func (e *Engine) begin(ctx context.Context, driver StageDriver, branch *types.Branch) bool {
	ok, err := driver.Begin(ctx, branch)
	if err != nil {
		e.logger.Error("stage begin failed",
			"branch_id", branch.BranchID, "status", branch.Status, "error", err)
		return false
	}
	return ok
}

// poll runs one in-flight tick: done+clean advances to okStatus, done+failed
// lands on failStatus with no re-tick, and not-done defers to the driver's
// delay hint. Driver errors count as failures.
func (e *Engine) poll(ctx context.Context, driver StageDriver, branch *types.Branch, okStatus, failStatus types.BranchStatus) *time.Duration {
	done, err := driver.IsDone(ctx, branch)
	if err != nil {
		e.logger.Error("stage poll failed",
			"branch_id", branch.BranchID, "status", branch.Status, "error", err)
		branch.Status = failStatus
		return nil
	}
	if !done {
		return driver.Delay(branch)
	}

	failed, err := driver.DidFail(ctx, branch)
	if err != nil {
		e.logger.Error("stage failure check failed",
			"branch_id", branch.BranchID, "status", branch.Status, "error", err)
		failed = true
	}
	if failed {
		branch.Status = failStatus
		return nil
	}
	branch.Status = okStatus
	return delayImmediate()
}
