// Package pipeline advances branches through the apply/compile/test
// lifecycle, one transition per tick.
package pipeline

import (
	"context"
	"time"

	"github.com/patchburner/patchburner/internal/types"
)

// StageDriver is one pluggable pipeline stage. The engine calls Begin once to
// start the stage, then polls IsDone on later ticks; DidFail is consulted only
// after IsDone reports true.
//
// Drivers translate external failures (downloads, subprocesses) into task
// statuses rather than errors; a returned error means the driver itself could
// not proceed and aborts the stage.
type StageDriver interface {
	// Begin starts the stage's work, possibly launching background tasks.
	// Returning false aborts the stage.
	Begin(ctx context.Context, branch *types.Branch) (bool, error)

	// IsDone polls progress. It may create follow-up tasks as sub-steps
	// complete, and returns true only when every task it owns is terminal.
	IsDone(ctx context.Context, branch *types.Branch) (bool, error)

	// DidFail inspects the stage's tasks for failures after IsDone returned
	// true. Drivers may also run post-condition work here.
	DidFail(ctx context.Context, branch *types.Branch) (bool, error)

	// Delay is how long the caller should wait before the next tick while the
	// stage is in flight. nil means no automatic re-tick is scheduled.
	Delay(branch *types.Branch) *time.Duration
}

// Notifier receives branch transitions. BranchUpdated persists the branch and
// its history row and applies the queue side effects; BranchTested is the
// outbound-notification hook.
type Notifier interface {
	BranchUpdated(ctx context.Context, branch *types.Branch) error
	BranchTested(ctx context.Context, branch *types.Branch) error
}

// Delay constructs a delay hint from a duration.
func Delay(d time.Duration) *time.Duration { return &d }

// delayImmediate is the default for a successful transition: tick again as
// soon as convenient.
func delayImmediate() *time.Duration { return Delay(0) }
