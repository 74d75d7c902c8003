package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/types"
)

// StoreNotifier is the default notifier: it persists the branch, appends the
// history snapshot and applies the queue side effects that couple pipeline
// outcomes back to scheduling.
type StoreNotifier struct {
	store  storage.Storage
	logger *slog.Logger
}

var _ Notifier = (*StoreNotifier)(nil)

// NewStoreNotifier creates a notifier writing through the given store.
func NewStoreNotifier(store storage.Storage, logger *slog.Logger) *StoreNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreNotifier{store: store, logger: logger}
}

// BranchUpdated applies the status-dependent side effects, persists the
// branch and appends one history row.
//
// A compile failure or abort means the patch no longer fits the moving base:
// the branch is flagged as needing a rebase and its queue item is ignored
// until a new patch set arrives. A test failure keeps the item ignored but
// clears the rebase flag, since the patch still applies and builds.
func (n *StoreNotifier) BranchUpdated(ctx context.Context, branch *types.Branch) error {
	now := time.Now()

	switch branch.Status {
	case types.StatusCompilingAbort, types.StatusCompilingFailed:
		branch.NeedsRebaseSince = &now
		branch.FailingSince = &now
		n.ignoreQueueItem(ctx, branch)
	case types.StatusTestingAborted, types.StatusTestingFailed:
		branch.NeedsRebaseSince = nil
		branch.FailingSince = &now
		n.ignoreQueueItem(ctx, branch)
	}

	if branch.Status == types.StatusCompiled || branch.Status == types.StatusCompilingFailed {
		if branch.BaseCommitSHA != "" {
			if err := n.store.Queue().SetLastBaseCommit(ctx, branch.PatchID, branch.BaseCommitSHA); err != nil {
				n.logger.Warn("failed to record last base commit",
					"patch_id", branch.PatchID, "error", err)
			}
		}
	}

	if err := n.store.UpsertBranch(ctx, branch); err != nil {
		return fmt.Errorf("failed to persist branch: %w", err)
	}
	return n.appendHistory(ctx, branch)
}

// BranchTested is the outbound notification hook (mail, webhook). The core
// carries no side effects here.
func (n *StoreNotifier) BranchTested(ctx context.Context, branch *types.Branch) error {
	n.logger.Info("branch tested",
		"branch_id", branch.BranchID, "patch_id", branch.PatchID, "branch", branch.BranchName)
	return nil
}

func (n *StoreNotifier) ignoreQueueItem(ctx context.Context, branch *types.Branch) {
	if err := n.store.Queue().SetIgnoreDate(ctx, branch.PatchID, true); err != nil {
		n.logger.Warn("failed to ignore queue item",
			"patch_id", branch.PatchID, "error", err)
	}
}

// appendHistory snapshots the branch plus its current tasks into one
// append-only history row.
func (n *StoreNotifier) appendHistory(ctx context.Context, branch *types.Branch) error {
	tasks, err := n.store.TasksForBranch(ctx, branch.BranchID)
	if err != nil {
		return fmt.Errorf("failed to load tasks for history: %w", err)
	}

	snapshots := make([]types.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		snapshots = append(snapshots, types.TaskSnapshot{
			TaskID:   t.TaskID,
			TaskName: t.TaskName,
			Status:   t.Status,
			Created:  t.Created,
			Modified: t.Modified,
			Payload:  t.Payload,
		})
	}
	encoded, err := json.Marshal(snapshots)
	if err != nil {
		return fmt.Errorf("failed to encode task snapshots: %w", err)
	}

	return n.store.AppendBranchHistory(ctx, &types.BranchHistory{
		PatchID:          branch.PatchID,
		BranchID:         branch.BranchID,
		BranchName:       branch.BranchName,
		Status:           branch.Status,
		CommitID:         branch.CommitID,
		BaseCommitSHA:    branch.BaseCommitSHA,
		PatchCount:       branch.PatchCount,
		NeedsRebaseSince: branch.NeedsRebaseSince,
		FailingSince:     branch.FailingSince,
		TaskCount:        len(tasks),
		Tasks:            encoded,
	})
}
